package alert

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("alert not found")

// InvalidTransitionError reports a lifecycle mutation from a state that
// does not permit it. Current carries the post-race status so a caller
// that lost a race to another admin can reconcile its view.
type InvalidTransitionError struct {
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transition from " + string(e.Current)
}

// Filter narrows List results; zero values mean no constraint.
type Filter struct {
	Status  Status
	RouteID string
	Limit   int
}

type Store interface {
	Create(ctx context.Context, alert Alert) error
	Get(ctx context.Context, id uuid.UUID) (Alert, error)
	Update(ctx context.Context, alert Alert) error
	List(ctx context.Context, filter Filter) ([]Alert, error)
}
