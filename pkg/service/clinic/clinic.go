package clinic

import (
	"context"
	_ "embed"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultHorizon is how far ahead weekly hours are expanded into slots.
const DefaultHorizon = 14 * 24 * time.Hour

type Catalog struct {
	Clinic struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"clinic"`
	Doctors []*model.Doctor   `yaml:"doctors"`
	FAQ     map[string]string `yaml:"faq"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, goerr.Wrap(err, "failed to parse clinic catalog")
	}

	seen := make(map[string]struct{}, len(cat.Doctors))
	for _, d := range cat.Doctors {
		if d.ID == "" || d.Name == "" || d.Specialty == "" {
			return nil, goerr.New("doctor requires id, name and specialty", goerr.V("doctor", d))
		}
		if _, ok := seen[d.ID]; ok {
			return nil, goerr.New("duplicated doctor id", goerr.V("id", d.ID))
		}
		seen[d.ID] = struct{}{}

		for _, h := range d.Hours {
			if _, _, err := parseHour(h); err != nil {
				return nil, goerr.Wrap(err, "invalid consultation hour", goerr.V("doctor", d.ID))
			}
		}
	}

	return &cat, nil
}

// LoadCatalog reads a catalog file. An empty path returns the embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read clinic catalog", goerr.V("path", path))
	}
	return ParseCatalog(data)
}

// Service is the Domain Action Service backed by a static catalog. Booked
// slots are tracked in memory only.
type Service struct {
	catalog *Catalog
	loc     *time.Location
	now     func() time.Time
	horizon time.Duration

	mu     sync.Mutex
	booked map[string]model.UserID
}

var _ interfaces.DomainActionService = (*Service)(nil)

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithHorizon(d time.Duration) Option {
	return func(s *Service) {
		s.horizon = d
	}
}

func New(catalog *Catalog, opts ...Option) (*Service, error) {
	loc := time.UTC
	if catalog.Clinic.Timezone != "" {
		l, err := time.LoadLocation(catalog.Clinic.Timezone)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load clinic timezone", goerr.V("timezone", catalog.Clinic.Timezone))
		}
		loc = l
	}

	s := &Service{
		catalog: catalog,
		loc:     loc,
		now:     time.Now,
		horizon: DefaultHorizon,
		booked:  make(map[string]model.UserID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Book reserves the earliest free slot of a doctor matching the request.
// Not finding a doctor or a slot is reported in the result, not as an error.
func (x *Service) Book(ctx context.Context, req *model.BookingRequest) (*model.BookingResult, error) {
	if req == nil {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "booking request is required")
	}

	doctors := x.match(append(slices.Clone(req.Entities), req.Message))
	if len(doctors) == 0 {
		return &model.BookingResult{
			Status: model.BookingUnavailable,
			Reason: "no doctor matches the requested specialty",
		}, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var (
		best   *model.Slot
		doctor *model.Doctor
	)
	for _, d := range doctors {
		for _, slot := range x.slotsOf(d) {
			if slot.Booked {
				continue
			}
			if best == nil || slot.StartsAt.Before(best.StartsAt) {
				best, doctor = slot, d
			}
			break
		}
	}

	if best == nil {
		return &model.BookingResult{
			Status: model.BookingUnavailable,
			Doctor: doctors[0],
			Reason: "no open slots in the next two weeks",
		}, nil
	}

	best.Booked = true
	x.booked[best.ID] = req.UserID

	logging.From(ctx).Info("slot booked",
		"doctor", doctor.ID,
		"slot", best.ID,
		"user_id", req.UserID,
	)

	return &model.BookingResult{
		Status: model.BookingConfirmed,
		Doctor: doctor,
		Slot:   best,
	}, nil
}

// Availability lists open slots ordered by start time. An empty specialty
// lists every doctor.
func (x *Service) Availability(ctx context.Context, specialty string) ([]*model.Slot, error) {
	var doctors []*model.Doctor
	if specialty == "" {
		doctors = x.catalog.Doctors
	} else {
		doctors = x.match([]string{specialty})
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var slots []*model.Slot
	for _, d := range doctors {
		for _, s := range x.slotsOf(d) {
			if !s.Booked {
				slots = append(slots, s)
			}
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].StartsAt.Before(slots[j].StartsAt)
	})
	return slots, nil
}

func (x *Service) Doctors(ctx context.Context) ([]*model.Doctor, error) {
	return slices.Clone(x.catalog.Doctors), nil
}

func (x *Service) FAQ(ctx context.Context) (map[string]string, error) {
	faq := make(map[string]string, len(x.catalog.FAQ))
	for k, v := range x.catalog.FAQ {
		faq[k] = v
	}
	return faq, nil
}

func (x *Service) Doctor(id string) *model.Doctor {
	for _, d := range x.catalog.Doctors {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// match returns doctors whose specialty, name or keywords appear in any text.
func (x *Service) match(texts []string) []*model.Doctor {
	var matched []*model.Doctor
	for _, d := range x.catalog.Doctors {
		terms := append([]string{d.Specialty, d.Name}, d.Keywords...)
		if containsAny(texts, terms) {
			matched = append(matched, d)
		}
	}
	return matched
}

func containsAny(texts, terms []string) bool {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, term := range terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				return true
			}
		}
	}
	return false
}

// slotsOf expands weekly hours of the doctor into upcoming slots in
// chronological order. Caller must hold x.mu.
func (x *Service) slotsOf(d *model.Doctor) []*model.Slot {
	now := x.now().In(x.loc)
	end := now.Add(x.horizon)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, x.loc)

	var slots []*model.Slot
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		for _, h := range d.Hours {
			wd, offset, err := parseHour(h)
			if err != nil || wd != day.Weekday() {
				continue
			}
			startsAt := day.Add(offset)
			if !startsAt.After(now) || startsAt.After(end) {
				continue
			}

			id := d.ID + "-" + startsAt.Format("200601021504")
			_, booked := x.booked[id]
			slots = append(slots, &model.Slot{
				ID:       id,
				DoctorID: d.ID,
				StartsAt: startsAt,
				Booked:   booked,
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].StartsAt.Before(slots[j].StartsAt)
	})
	return slots
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// parseHour parses "Mon 09:00" into a weekday and an offset from midnight.
func parseHour(s string) (time.Weekday, time.Duration, error) {
	day, clock, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return 0, 0, goerr.New("hour must be formatted as 'Mon 09:00'", goerr.V("hour", s))
	}

	wd, ok := weekdays[strings.ToLower(day)]
	if !ok {
		return 0, 0, goerr.New("unknown weekday", goerr.V("hour", s))
	}

	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return 0, 0, goerr.Wrap(err, "invalid clock time", goerr.V("hour", s))
	}

	return wd, time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
