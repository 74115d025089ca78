package policy

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const capabilityQuery = "data.carebot.capabilities"

//go:embed default.rego
var defaultPolicy string

// Fallback is granted when the policy cannot be evaluated.
const Fallback = model.CapGenerate

// Input is the document a policy sees as `input`.
type Input struct {
	IdentityKind model.IdentityKind   `json:"identity_kind"`
	Category     model.IntentCategory `json:"category"`
	Confidence   float64              `json:"confidence"`
	Fallback     bool                 `json:"fallback"`
}

// Evaluator decides the capability set of a request.
type Evaluator struct {
	query *rego.PreparedEvalQuery
}

// regoPrintHook forwards Rego print() statements to the logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// New loads every .rego file in policyDir. An empty policyDir or a
// directory without policies selects the built-in policy.
func New(ctx context.Context, policyDir string) (*Evaluator, error) {
	modules, err := loadModules(policyDir)
	if err != nil {
		return nil, err
	}

	options := make([]func(*rego.Rego), 0, len(modules)+3)
	options = append(options,
		rego.Query(capabilityQuery),
		rego.EnablePrintStatements(true),
		rego.PrintHook(&regoPrintHook{ctx: ctx}),
	)
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare capability policy", goerr.V("dir", policyDir))
	}

	return &Evaluator{query: &prepared}, nil
}

func loadModules(policyDir string) ([]func(*rego.Rego), error) {
	if policyDir == "" {
		return []func(*rego.Rego){rego.Module("default.rego", defaultPolicy)}, nil
	}

	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		return []func(*rego.Rego){rego.Module("default.rego", defaultPolicy)}, nil
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}
	return modules, nil
}

// Capabilities evaluates the policy for input.
func (e *Evaluator) Capabilities(ctx context.Context, input *Input) (model.Capability, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Fallback, goerr.Wrap(err, "failed to evaluate capability policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// undefined set means nothing is granted
		return model.CapNone, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return Fallback, goerr.New("capability policy must produce a set of strings",
			goerr.V("value", rs[0].Expressions[0].Value))
	}

	caps := model.CapNone
	for _, v := range values {
		name, ok := v.(string)
		if !ok {
			continue
		}
		c, err := model.ParseCapability(name)
		if err != nil {
			logging.From(ctx).Warn("ignore unknown capability from policy", "name", name)
			continue
		}
		caps = caps.With(c)
	}
	return caps, nil
}
