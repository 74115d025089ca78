package interfaces

import (
	"context"

	"github.com/m-mizutani/carebot/pkg/model"
)

// DomainActionService performs clinic side effects such as booking.
type DomainActionService interface {
	Book(ctx context.Context, req *model.BookingRequest) (*model.BookingResult, error)
	Availability(ctx context.Context, specialty string) ([]*model.Slot, error)
	Doctors(ctx context.Context) ([]*model.Doctor, error)
	FAQ(ctx context.Context) (map[string]string, error)
}
