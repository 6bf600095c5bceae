package risk

// Store persists the monthly risk ledger between process restarts.
//
// Implementations must be safe for concurrent use - callers can assume
// all methods are goroutine-safe.
type Store interface {
	// Load reads the ledger. A missing ledger surfaces os.ErrNotExist;
	// anything else unreadable surfaces a parse error. Callers decide
	// how to reinitialize.
	Load() (*State, error)
	// Save writes the ledger durably. Implementations must never leave
	// a half-written ledger behind.
	Save(state *State) error
	// Path identifies the backing location for log messages.
	Path() string
}

// NewStore creates the default JSON-file store.
func NewStore(filepath string) Store {
	return NewJSONStore(filepath)
}

// Ensure both implementations satisfy Store.
var (
	_ Store = (*JSONStore)(nil)
	_ Store = (*MockStore)(nil)
)
