package sim

// Store is the persistence collaborator boundary. Implementations live
// in pkg/store; the core only depends on this interface. Query methods
// return most-recent-first slices bounded by limit (limit <= 0 means
// no bound).
type Store interface {
	SaveContract(c *Contract) error
	GetContract(symbol string) (*Contract, error)
	ListContracts() ([]*Contract, error)

	SaveAccount(a *Account) error
	GetAccount(userID string) (*Account, error)
	ListAccounts() ([]*Account, error)

	SaveOrder(o *Order) error
	GetOrder(id string) (*Order, error)
	UserOrders(userID string, limit int) ([]*Order, error)

	SaveTrade(t *Trade) error
	UserTrades(userID string, limit int) ([]*Trade, error)

	SavePosition(p *Position) error
	GetPosition(userID, symbol string) (*Position, error)
	UserPositions(userID string) ([]*Position, error)
	AllPositions() ([]*Position, error)

	Close() error
}
