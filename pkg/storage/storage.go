package storage

import (
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a definition, instance or action does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by UpdateInstance when the optimistic
	// version check fails; the caller should refetch and retry.
	ErrVersionConflict = errors.New("instance version conflict")
	// ErrNotClaimable is returned by ClaimAction when the action is not in a
	// claimable status; some other writer got there first.
	ErrNotClaimable = errors.New("action not claimable")
)

// Store defines the persistence operations the workflow engine needs.
// UpdateInstance must be an atomic compare-and-set on the instance version,
// and ClaimAction must guarantee a single writer per action.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Definition operations
	SaveDefinition(d models.Definition) error
	GetDefinition(id string) (models.Definition, error)
	ListDefinitions() ([]models.Definition, error)
	ListActiveDefinitionsByTrigger(event string) ([]models.Definition, error)
	SetDefinitionActive(id string, active bool) error

	// Instance operations
	SaveInstance(inst models.Instance) error
	GetInstance(id string) (models.Instance, error)
	// UpdateInstance applies inst if the stored version equals inst.Version,
	// bumping the version by one; otherwise it returns ErrVersionConflict.
	UpdateInstance(inst models.Instance) error
	FindActiveInstanceByOrigin(originType, originID string) (models.Instance, error)
	ListOverdueInstances(now time.Time) ([]models.Instance, error)
	ListInstances() ([]models.Instance, error)

	// History operations (append-only log per instance)
	AppendHistory(e models.HistoryEntry) (models.HistoryEntry, error)
	GetHistory(instanceID string) ([]models.HistoryEntry, error)

	// Action operations
	SaveAction(a models.Action) error
	GetAction(id string) (models.Action, error)
	UpdateAction(a models.Action) error
	// ClaimAction moves a PENDING/SCHEDULED action to RUNNING and increments
	// its attempt counter in one atomic step, returning the claimed action.
	ClaimAction(id string, startedAt time.Time) (models.Action, error)
	ListReadyActions(now time.Time) ([]models.Action, error)
	ListActionsByInstance(instanceID string) ([]models.Action, error)
}
