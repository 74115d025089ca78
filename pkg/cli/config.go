package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/carebot/pkg/adapter"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/policy"
	"github.com/m-mizutani/carebot/pkg/repository"
	"github.com/m-mizutani/carebot/pkg/service/clinic"
	"github.com/m-mizutani/carebot/pkg/service/llm"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel string
	logFile  string

	// LLM
	llmProvider         string
	geminiProject       string
	geminiLocation      string
	geminiModel         string
	geminiEmbedModel    string
	geminiEmbedDim      int
	anthropicAPIKey     string
	anthropicModel      string
	ollamaURL           string
	ollamaChatModel     string
	ollamaEmbedModel    string
	llmTimeout          time.Duration
	llmAttempts         int
	embeddingCacheBytes int

	// Storage
	memoryBackend     string
	chromemDir        string
	firestoreProject  string
	firestoreDatabase string
	sqlitePath        string

	// Domain
	catalogPath string
	policyDir   string

	// Audit
	bigqueryProject string
	bigqueryDataset string

	// Export
	bucket       string
	bucketPrefix string
}

// closer releases a resource when the command ends.
type closer func()

type closers []closer

func (x *closers) add(fn closer) { *x = append(*x, fn) }

func (x closers) run() {
	for i := len(x) - 1; i >= 0; i-- {
		x[i]()
	}
}

// logFlags returns flags for logging
func logFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("CAREBOT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "Also write JSON logs to this file",
			Sources:     cli.EnvVars("CAREBOT_LOG_FILE"),
			Destination: &cfg.logFile,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm-provider",
			Usage:       "Text generation backend (gemini, claude, ollama)",
			Value:       "gemini",
			Sources:     cli.EnvVars("CAREBOT_LLM_PROVIDER"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.geminiEmbedModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "anthropic-model",
			Usage:       "Claude model",
			Sources:     cli.EnvVars("ANTHROPIC_MODEL"),
			Destination: &cfg.anthropicModel,
		},
		&cli.StringFlag{
			Name:        "ollama-url",
			Usage:       "Ollama server URL",
			Value:       "http://localhost:11434",
			Sources:     cli.EnvVars("OLLAMA_HOST"),
			Destination: &cfg.ollamaURL,
		},
		&cli.StringFlag{
			Name:        "ollama-chat-model",
			Usage:       "Ollama chat model",
			Value:       "llama3.2",
			Sources:     cli.EnvVars("OLLAMA_CHAT_MODEL"),
			Destination: &cfg.ollamaChatModel,
		},
		&cli.StringFlag{
			Name:        "ollama-embedding-model",
			Usage:       "Ollama embedding model",
			Value:       "nomic-embed-text",
			Sources:     cli.EnvVars("OLLAMA_EMBEDDING_MODEL"),
			Destination: &cfg.ollamaEmbedModel,
		},
		&cli.DurationFlag{
			Name:        "llm-timeout",
			Usage:       "Timeout of a single LLM call",
			Value:       llm.DefaultTimeout,
			Sources:     cli.EnvVars("CAREBOT_LLM_TIMEOUT"),
			Destination: &cfg.llmTimeout,
		},
		&cli.IntFlag{
			Name:    "llm-attempts",
			Usage:   "Attempts per LLM call including the first one",
			Value:   llm.DefaultMaxAttempts,
			Sources: cli.EnvVars("CAREBOT_LLM_ATTEMPTS"),
		},
		&cli.IntFlag{
			Name:    "embedding-cache-bytes",
			Usage:   "Size of the embedding cache, 0 disables it",
			Value:   32 << 20,
			Sources: cli.EnvVars("CAREBOT_EMBEDDING_CACHE_BYTES"),
		},
	}
}

// storeFlags returns flags for memory, session and profile storage
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-backend",
			Usage:       "Long-term memory backend (memory, chromem, firestore)",
			Value:       "chromem",
			Sources:     cli.EnvVars("CAREBOT_MEMORY_BACKEND"),
			Destination: &cfg.memoryBackend,
		},
		&cli.StringFlag{
			Name:        "chromem-dir",
			Usage:       "Directory of the persistent chromem database",
			Value:       filepath.Join(".carebot", "memory"),
			Sources:     cli.EnvVars("CAREBOT_CHROMEM_DIR"),
			Destination: &cfg.chromemDir,
		},
		&cli.IntFlag{
			Name:    "embedding-dimension",
			Usage:   "Embedding dimension requested from Gemini and used by chromem",
			Value:   768,
			Sources: cli.EnvVars("CAREBOT_EMBEDDING_DIMENSION"),
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite file for sessions, transcripts and profiles",
			Value:       filepath.Join(".carebot", "carebot.db"),
			Sources:     cli.EnvVars("CAREBOT_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
	}
}

// domainFlags returns flags for the clinic catalog and capability policy
func domainFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "catalog",
			Usage:       "Clinic catalog YAML, the bundled catalog when empty",
			Sources:     cli.EnvVars("CAREBOT_CATALOG"),
			Destination: &cfg.catalogPath,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego capability policies, the bundled policy when empty",
			Sources:     cli.EnvVars("CAREBOT_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID for the BigQuery audit log",
			Sources:     cli.EnvVars("BIGQUERY_PROJECT_ID"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for the audit log, disabled when empty",
			Sources:     cli.EnvVars("BIGQUERY_DATASET_ID"),
			Destination: &cfg.bigqueryDataset,
		},
	}
}

// exportFlags returns flags for Cloud Storage export
func exportFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for memory exports",
			Sources:     cli.EnvVars("CAREBOT_EXPORT_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object prefix inside the bucket",
			Sources:     cli.EnvVars("CAREBOT_EXPORT_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
	}
}

// appFlags is the flag set of every command that builds the full app.
func appFlags(cfg *config) []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, logFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	flags = append(flags, storeFlags(cfg)...)
	flags = append(flags, domainFlags(cfg)...)
	return flags
}

// readInts copies integer flags into cfg. They have no Destination because
// the flag value type differs between urfave/cli releases. Flags a command
// does not define read as zero.
func (cfg *config) readInts(c *cli.Command) {
	cfg.geminiEmbedDim = int(c.Int("embedding-dimension"))
	cfg.llmAttempts = int(c.Int("llm-attempts"))
	cfg.embeddingCacheBytes = int(c.Int("embedding-cache-bytes"))
}

// setupLogger installs the default logger. The returned closer closes the
// log file if one was opened.
func (cfg *config) setupLogger() (closer, error) {
	if cfg.logFile == "" {
		logging.SetDefault(logging.New(cfg.logLevel, os.Stderr))
		return func() {}, nil
	}

	f, err := os.OpenFile(filepath.Clean(cfg.logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open log file", goerr.V("path", cfg.logFile))
	}
	logging.SetDefault(logging.NewWithFile(cfg.logLevel, os.Stderr, f))
	return func() { _ = f.Close() }, nil
}

// newGemini creates a new Gemini gateway
func (cfg *config) newGemini(ctx context.Context) (*llm.Gemini, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.geminiEmbedModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.geminiEmbedModel))
	}
	if cfg.geminiEmbedDim > 0 {
		opts = append(opts, adapter.WithEmbeddingDimension(cfg.geminiEmbedDim))
	}

	client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	return llm.NewGemini(client), nil
}

// newOllama creates a new Ollama gateway
func (cfg *config) newOllama() (*llm.Ollama, error) {
	if cfg.ollamaURL == "" {
		return nil, goerr.New("ollama-url is required")
	}
	gw, err := llm.NewOllama(cfg.ollamaURL, cfg.ollamaChatModel, cfg.ollamaEmbedModel)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ollama client")
	}
	return gw, nil
}

// newClaude creates a Claude gateway. Claude has no embedding model, so
// embeddings come from Gemini when configured and from Ollama otherwise.
func (cfg *config) newClaude(ctx context.Context) (*llm.Claude, error) {
	if cfg.anthropicAPIKey == "" {
		return nil, goerr.New("anthropic-api-key is required")
	}

	var opts []adapter.ClaudeOption
	if cfg.anthropicModel != "" {
		opts = append(opts, adapter.WithClaudeModel(cfg.anthropicModel))
	}

	var embedder llm.Embedder
	if cfg.geminiProject != "" {
		g, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		embedder = g
	} else {
		o, err := cfg.newOllama()
		if err != nil {
			return nil, err
		}
		embedder = o
	}

	return llm.NewClaude(adapter.NewClaude(cfg.anthropicAPIKey, opts...), embedder), nil
}

// newGateway builds the LLM gateway: provider, then retries, then the
// embedding cache.
func (cfg *config) newGateway(ctx context.Context, cl *closers) (interfaces.LLMGateway, error) {
	var base interfaces.LLMGateway
	switch cfg.llmProvider {
	case "gemini":
		g, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		base = g
	case "claude":
		c, err := cfg.newClaude(ctx)
		if err != nil {
			return nil, err
		}
		base = c
	case "ollama":
		o, err := cfg.newOllama()
		if err != nil {
			return nil, err
		}
		base = o
	default:
		return nil, goerr.New("unknown llm-provider", goerr.V("provider", cfg.llmProvider))
	}

	var gw interfaces.LLMGateway = llm.NewResilient(base,
		llm.WithTimeout(cfg.llmTimeout),
		llm.WithMaxAttempts(cfg.llmAttempts),
	)

	if cfg.embeddingCacheBytes > 0 {
		cache, err := llm.NewEmbeddingCache(gw, int64(cfg.embeddingCacheBytes))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create embedding cache")
		}
		cl.add(cache.Close)
		gw = cache
	}

	return gw, nil
}

// newMemoryRepository creates the durable backend of the memory store
func (cfg *config) newMemoryRepository(ctx context.Context, cl *closers) (interfaces.MemoryRepository, error) {
	switch cfg.memoryBackend {
	case "memory":
		return repository.NewMemory(), nil

	case "chromem":
		if cfg.chromemDir == "" {
			return nil, goerr.New("chromem-dir is required")
		}
		repo, err := repository.NewPersistentChromem(cfg.chromemDir, cfg.geminiEmbedDim)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem", goerr.V("dir", cfg.chromemDir))
		}
		return repo, nil

	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, goerr.New("firestore-project is required")
		}
		repo, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		cl.add(func() { closeLogged(repo, "firestore") })
		return repo, nil

	default:
		return nil, goerr.New("unknown memory-backend", goerr.V("backend", cfg.memoryBackend))
	}
}

// newSQLite opens the session and profile database
func (cfg *config) newSQLite(cl *closers) (*repository.SQLite, error) {
	if cfg.sqlitePath == "" {
		return nil, goerr.New("sqlite-path is required")
	}
	if dir := filepath.Dir(cfg.sqlitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, goerr.Wrap(err, "failed to create sqlite directory", goerr.V("dir", dir))
		}
	}

	db, err := repository.NewSQLite(cfg.sqlitePath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", cfg.sqlitePath))
	}
	cl.add(func() { closeLogged(db, "sqlite") })
	return db, nil
}

// newDomain creates the clinic action service
func (cfg *config) newDomain() (*clinic.Service, error) {
	catalog, err := clinic.LoadCatalog(cfg.catalogPath)
	if err != nil {
		return nil, err
	}
	svc, err := clinic.New(catalog)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create clinic service")
	}
	return svc, nil
}

// newPolicy loads the capability policy
func (cfg *config) newPolicy(ctx context.Context) (*policy.Evaluator, error) {
	eval, err := policy.New(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load capability policy", goerr.V("dir", cfg.policyDir))
	}
	return eval, nil
}

// newAudit creates the BigQuery audit sink. It returns nil when no dataset
// is configured.
func (cfg *config) newAudit(ctx context.Context, cl *closers) (interfaces.AuditSink, error) {
	if cfg.bigqueryDataset == "" {
		return nil, nil
	}
	project := cfg.bigqueryProject
	if project == "" {
		project = cfg.geminiProject
	}
	if project == "" {
		return nil, goerr.New("bigquery-project is required")
	}

	bq, err := adapter.NewBigQuery(ctx, project, cfg.bigqueryDataset)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create bigquery client")
	}
	cl.add(func() { closeLogged(bq, "bigquery") })

	if err := bq.EnsureTable(ctx); err != nil {
		return nil, goerr.Wrap(err, "failed to prepare audit table")
	}
	return bq, nil
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket is required")
	}

	var opts []adapter.StorageOption
	if cfg.bucketPrefix != "" {
		opts = append(opts, adapter.WithStoragePrefix(cfg.bucketPrefix))
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

func closeLogged(c io.Closer, name string) {
	if err := c.Close(); err != nil {
		logging.Default().Warn("failed to close resource", "resource", name, "error", err)
	}
}
