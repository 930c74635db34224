package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/regime"
)

// Status markers on results.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Mention is one social media post about a token.
type Mention struct {
	Platform       string    `json:"platform"`
	Author         string    `json:"author"`
	Text           string    `json:"text"`
	Followers      int       `json:"followers"`
	AccountAgeDays int       `json:"account_age_days"`
	PostsPerDay    float64   `json:"posts_per_day"`
	Timestamp      time.Time `json:"ts"`
}

// Transaction is one on-chain transfer or swap involving the token.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"` // buy|sell|swap|transfer|add_liquidity|remove_liquidity
	AmountUSD float64   `json:"amount_usd"`
	Timestamp time.Time `json:"ts"`
}

// IsBuy reports whether the transaction type reads as a buy.
func (t Transaction) IsBuy() bool {
	s := strings.ToLower(t.Type)
	return strings.Contains(s, "buy") || strings.Contains(s, "purchase")
}

// IsSell reports whether the transaction type reads as a sell.
func (t Transaction) IsSell() bool {
	s := strings.ToLower(t.Type)
	return strings.Contains(s, "sell")
}

// Input bundles the feeds for one analysis.
type Input struct {
	Token            string              `json:"token"`
	Chain            string              `json:"chain"`
	Social           []Mention           `json:"social"`
	Transactions     []Transaction       `json:"transactions"`
	Prices           []regime.PricePoint `json:"prices"`
	Volumes          []float64           `json:"volumes"`
	PoolLiquidityUSD float64             `json:"pool_liquidity_usd"`
}

// Result is the fused intelligence bundle. Value object.
type Result struct {
	Token                string        `json:"token"`
	Chain                string        `json:"chain"`
	IntelligenceScore    float64       `json:"intelligence_score"`   // 0-100
	Confidence           float64       `json:"confidence"`           // 0-1
	CoordinationRisk     float64       `json:"coordination_risk"`    // 0-100
	WhaleActivityScore   float64       `json:"whale_activity_score"` // 0-100
	SocialSentiment      float64       `json:"social_sentiment"`     // -1..1
	MarketRegime         regime.Regime `json:"market_regime"`
	ManipulationDetected bool          `json:"manipulation_detected"`
	WhaleDumpRisk        bool          `json:"whale_dump_risk"`
	VolumeTrend          float64       `json:"volume_trend"` // recent/early volume ratio, 1 = flat

	Sentiment    SentimentResult    `json:"sentiment"`
	Whales       WhaleResult        `json:"whales"`
	Regime       regime.Analysis    `json:"regime"`
	Coordination CoordinationResult `json:"coordination"`

	Status     string        `json:"status"`
	Warnings   []string      `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
}

// Unavailable returns the neutral result used when intelligence could not
// be computed at all.
func Unavailable(token, chain, reason string) Result {
	return Result{
		Token:             token,
		Chain:             chain,
		IntelligenceScore: 50,
		MarketRegime:      regime.RegimeUnknown,
		VolumeTrend:       1,
		Regime:            regime.Neutral(),
		Status:            StatusUnavailable,
		Warnings:          []string{reason},
		AnalyzedAt:        time.Now(),
	}
}

// FeedProvider supplies the raw feeds for a token. Implementations collect
// them upstream; the scorer never fetches data itself.
type FeedProvider interface {
	Feeds(ctx context.Context, token, chain string) (Input, error)
}

// MemoryFeed is a FeedProvider backed by bounded in-memory buffers that
// upstream collectors append to. Tokens beyond maxTokens are evicted least
// recently used first.
type MemoryFeed struct {
	mu       sync.Mutex
	maxItems int
	tokens   *simplelru.LRU[string, *tokenBuffers]
}

type tokenBuffers struct {
	mentions []Mention
	txs      []Transaction
	prices   []regime.PricePoint
}

// NewMemoryFeed creates a feed keeping at most maxItems records per kind
// and token, for at most maxTokens tokens.
func NewMemoryFeed(maxItems, maxTokens int) *MemoryFeed {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if maxTokens <= 0 {
		maxTokens = 10000
	}
	tokens, _ := simplelru.NewLRU[string, *tokenBuffers](maxTokens, nil)
	return &MemoryFeed{maxItems: maxItems, tokens: tokens}
}

func feedKey(chain, token string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(token)
}

func appendCapped[T any](s []T, limit int, items ...T) []T {
	s = append(s, items...)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

// buffersLocked returns the buffers for k, creating them on first use.
func (f *MemoryFeed) buffersLocked(k string) *tokenBuffers {
	b, ok := f.tokens.Get(k)
	if !ok {
		b = &tokenBuffers{}
		f.tokens.Add(k, b)
	}
	return b
}

// AddMentions appends social mentions for a token.
func (f *MemoryFeed) AddMentions(chain, token string, m ...Mention) {
	f.mu.Lock()
	b := f.buffersLocked(feedKey(chain, token))
	b.mentions = appendCapped(b.mentions, f.maxItems, m...)
	f.mu.Unlock()
}

// AddTransactions appends transactions for a token.
func (f *MemoryFeed) AddTransactions(chain, token string, txs ...Transaction) {
	f.mu.Lock()
	b := f.buffersLocked(feedKey(chain, token))
	b.txs = appendCapped(b.txs, f.maxItems, txs...)
	f.mu.Unlock()
}

// AddPrices appends price points for a token.
func (f *MemoryFeed) AddPrices(chain, token string, p ...regime.PricePoint) {
	f.mu.Lock()
	b := f.buffersLocked(feedKey(chain, token))
	b.prices = appendCapped(b.prices, f.maxItems, p...)
	f.mu.Unlock()
}

// Feeds implements FeedProvider.
func (f *MemoryFeed) Feeds(_ context.Context, token, chain string) (Input, error) {
	in := Input{Token: token, Chain: chain}

	f.mu.Lock()
	if b, ok := f.tokens.Get(feedKey(chain, token)); ok {
		in.Social = append([]Mention(nil), b.mentions...)
		in.Transactions = append([]Transaction(nil), b.txs...)
		in.Prices = append([]regime.PricePoint(nil), b.prices...)
	}
	f.mu.Unlock()

	in.Volumes = make([]float64, len(in.Prices))
	for i, p := range in.Prices {
		in.Volumes[i] = p.Volume
	}
	return in, nil
}

// Signal is one collector record for a token, as carried on the
// intel.signals topic.
type Signal struct {
	Chain        string              `json:"chain_id"`
	Token        string              `json:"token_address"`
	Mentions     []Mention           `json:"mentions,omitempty"`
	Transactions []Transaction       `json:"transactions,omitempty"`
	Prices       []regime.PricePoint `json:"prices,omitempty"`
}

// Apply appends every record in s to the token's buffers.
func (f *MemoryFeed) Apply(s Signal) error {
	if s.Chain == "" || s.Token == "" {
		return fmt.Errorf("intel: signal missing chain or token")
	}
	if len(s.Mentions) > 0 {
		f.AddMentions(s.Chain, s.Token, s.Mentions...)
	}
	if len(s.Transactions) > 0 {
		f.AddTransactions(s.Chain, s.Token, s.Transactions...)
	}
	if len(s.Prices) > 0 {
		f.AddPrices(s.Chain, s.Token, s.Prices...)
	}
	return nil
}

// SignalHandler decodes bus records into the feed.
func (f *MemoryFeed) SignalHandler() bus.MessageHandler {
	return func(_ context.Context, msg bus.Message) error {
		var s Signal
		if err := json.Unmarshal(msg.Value, &s); err != nil {
			return fmt.Errorf("intel: decode signal: %w", err)
		}
		return f.Apply(s)
	}
}

// Tokens returns how many tokens have buffered records.
func (f *MemoryFeed) Tokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens.Len()
}
