package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrPricingUnavailable is returned when no exchange rate can be produced,
// neither fresh nor stale.
var ErrPricingUnavailable = errors.New("pricing: exchange rate unavailable")

const (
	// ANS-104 envelope overhead added to the payload size when estimating
	// the on-wire byte count.
	signatureOverhead = 512
	ownerOverhead     = 512
	headerOverhead    = 80
	perTagOverhead    = 64

	gibibyte = int64(1 << 30)

	rateTTL = 5 * time.Minute
)

// Defaults applied when the corresponding config knob is zero.
const (
	DefaultFeePercent         = 30
	DefaultBufferPercent      = 10
	DefaultMinimumPaymentUSDC = 1_000
	DefaultDepositUSDC        = 10_000
	DefaultChunkSize          = int64(256 * 1024)
	DefaultWinstonPerGiB      = int64(2_500_000_000)
)

// RateSource resolves the USD price of the storage token.
type RateSource interface {
	Name() string
	Fetch(ctx context.Context) (*big.Rat, error)
}

// Quote is a priced upload.
type Quote struct {
	ByteCount   int64
	WireSize    int64
	Winc        *big.Int
	USDCAtomic  *big.Int
	USDPerToken *big.Rat
	QuotedAt    time.Time
}

// Config tunes the oracle's curve and margins.
type Config struct {
	FeePercent         int64
	BufferPercent      int64
	MinimumPaymentUSDC int64
	DepositUSDC        int64
	ChunkSize          int64
	WinstonPerGiB      int64
}

func (c Config) withDefaults() Config {
	if c.FeePercent <= 0 {
		c.FeePercent = DefaultFeePercent
	}
	if c.BufferPercent <= 0 {
		c.BufferPercent = DefaultBufferPercent
	}
	if c.MinimumPaymentUSDC <= 0 {
		c.MinimumPaymentUSDC = DefaultMinimumPaymentUSDC
	}
	if c.DepositUSDC <= 0 {
		c.DepositUSDC = DefaultDepositUSDC
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.WinstonPerGiB <= 0 {
		c.WinstonPerGiB = DefaultWinstonPerGiB
	}
	return c
}

// Oracle quotes USDC-atomic prices for byte counts, caching the exchange
// rate for five minutes and falling back to the stale value when the source
// is unreachable.
type Oracle struct {
	cfg    Config
	source RateSource
	nowFn  func() time.Time

	mu        sync.Mutex
	rate      *big.Rat
	fetchedAt time.Time
}

// Option customises an Oracle.
type Option func(*Oracle)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.nowFn = now }
}

// NewOracle constructs an oracle backed by source.
func NewOracle(cfg Config, source RateSource, opts ...Option) *Oracle {
	o := &Oracle{cfg: cfg.withDefaults(), source: source, nowFn: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WireSize estimates the final ANS-104 on-wire size for a payload.
func WireSize(byteCount, tagCount int64) int64 {
	return byteCount + signatureOverhead + ownerOverhead + headerOverhead + perTagOverhead*tagCount
}

// QuoteDataItem prices a payload of byteCount bytes carrying tagCount tags.
func (o *Oracle) QuoteDataItem(ctx context.Context, byteCount, tagCount int64) (*Quote, error) {
	if byteCount < 0 {
		return nil, fmt.Errorf("pricing: negative byte count %d", byteCount)
	}
	rate, err := o.exchangeRate(ctx)
	if err != nil {
		return nil, err
	}

	size := WireSize(byteCount, tagCount)
	winc := o.wincForSize(size)

	// winc -> USD -> USDC atomic with the safety buffer, rounded up.
	usdc := new(big.Rat).SetInt(winc)
	usdc.Mul(usdc, rate)
	usdc.Mul(usdc, big.NewRat(100+o.cfg.BufferPercent, 100))
	usdc.Mul(usdc, big.NewRat(1_000_000, 1_000_000_000_000))
	atomic := ceilRat(usdc)

	if minimum := big.NewInt(o.cfg.MinimumPaymentUSDC); atomic.Cmp(minimum) < 0 {
		atomic = minimum
	}
	return &Quote{
		ByteCount:   byteCount,
		WireSize:    size,
		Winc:        winc,
		USDCAtomic:  atomic,
		USDPerToken: rate,
		QuotedAt:    o.nowFn(),
	}, nil
}

// DepositUSDC returns the fixed multipart deposit price in atomic units.
func (o *Oracle) DepositUSDC() *big.Int {
	return big.NewInt(o.cfg.DepositUSDC)
}

// wincForSize converts an on-wire size to credits through the chunked byte
// price curve plus the fee margin.
func (o *Oracle) wincForSize(size int64) *big.Int {
	chunks := (size + o.cfg.ChunkSize - 1) / o.cfg.ChunkSize
	if chunks < 1 {
		chunks = 1
	}
	base := new(big.Int).Mul(big.NewInt(chunks*o.cfg.ChunkSize), big.NewInt(o.cfg.WinstonPerGiB))
	base.Add(base, big.NewInt(gibibyte-1))
	base.Div(base, big.NewInt(gibibyte))

	base.Mul(base, big.NewInt(100+o.cfg.FeePercent))
	base.Add(base, big.NewInt(99))
	base.Div(base, big.NewInt(100))
	return base
}

// exchangeRate returns the cached rate when fresh, refreshes it when stale,
// and falls back to the stale value if the source errors.
func (o *Oracle) exchangeRate(ctx context.Context) (*big.Rat, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.nowFn()
	if o.rate != nil && now.Sub(o.fetchedAt) < rateTTL {
		return new(big.Rat).Set(o.rate), nil
	}
	fresh, err := o.source.Fetch(ctx)
	if err == nil && fresh != nil && fresh.Sign() > 0 {
		o.rate = new(big.Rat).Set(fresh)
		o.fetchedAt = now
		return new(big.Rat).Set(o.rate), nil
	}
	if o.rate != nil {
		return new(big.Rat).Set(o.rate), nil
	}
	if err == nil {
		err = fmt.Errorf("pricing: source %s returned empty rate", o.source.Name())
	}
	return nil, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
}

func ceilRat(r *big.Rat) *big.Int {
	out := new(big.Int)
	out.Add(r.Num(), new(big.Int).Sub(r.Denom(), big.NewInt(1)))
	out.Div(out, r.Denom())
	return out
}
