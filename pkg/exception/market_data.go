package exception

import "github.com/yanun0323/errors"

// Market data errors
var (
	ErrMarketDataInvalidBook = errors.New("market data: invalid book")
	ErrMarketDataCrossedBook = errors.New("market data: crossed book")
	ErrMarketDataOutOfOrder  = errors.New("market data: snapshot older than cached")
)
