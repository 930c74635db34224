package honeypot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Honeypot Registry
// Learns bytecode fingerprints from failed canary trades and confirmed
// honeypots so the same contract never gets bought twice.
// ---------------------------------------------------------------------------

// Kind classifies how a token trapped its buyers.
type Kind string

const (
	KindSellBlocked   Kind = "SELL_BLOCKED"
	KindHighTax       Kind = "HIGH_TAX"
	KindTradingPaused Kind = "TRADING_PAUSED"
	KindLiquidityPull Kind = "LIQUIDITY_PULL"
)

// Signature is a learned honeypot fingerprint.
type Signature struct {
	ID          string    `json:"id"`
	Chain       string    `json:"chain"`
	Kind        Kind      `json:"kind"`
	Fingerprint string    `json:"fingerprint"` // hex sha256 prefix of contract code
	Confidence  float64   `json:"confidence"`  // 0-1, grows with hits
	Hits        int       `json:"hits"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	SampleToken string    `json:"sample_token"`
}

// Sample is one observed honeypot.
type Sample struct {
	Chain        string
	TokenAddress string
	ContractCode []byte
	Kind         Kind
	DetectedBy   string // canary, risk_check, manual
}

// RegistryConfig configures the registry.
type RegistryConfig struct {
	BaseConfidence float64 `yaml:"base_confidence"` // confidence of a new fingerprint (default 0.5)
	HitsForMax     int     `yaml:"hits_for_max"`    // hits to reach max confidence (default 3)
	MaxSignatures  int     `yaml:"max_signatures"`  // capacity (default 5000)
	MinCodeBytes   int     `yaml:"min_code_bytes"`  // ignore shorter code (default 8)
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		BaseConfidence: 0.5,
		HitsForMax:     3,
		MaxSignatures:  5000,
		MinCodeBytes:   8,
	}
}

// Registry holds fingerprints and flagged tokens.
type Registry struct {
	config RegistryConfig

	mu         sync.RWMutex
	signatures map[string]*Signature // fingerprint -> signature
	tokens     map[string]Kind       // chain:token -> kind

	onNew func(sig Signature)

	samples atomic.Int64
	matches atomic.Int64
}

// NewRegistry creates a new Registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.HitsForMax < 1 {
		config.HitsForMax = 1
	}
	return &Registry{
		config:     config,
		signatures: make(map[string]*Signature, 256),
		tokens:     make(map[string]Kind, 256),
	}
}

// SetOnNewSignature sets a callback fired when a new fingerprint is learned.
func (r *Registry) SetOnNewSignature(fn func(sig Signature)) {
	r.mu.Lock()
	r.onNew = fn
	r.mu.Unlock()
}

// Record stores a honeypot sample. It returns the signature that was created
// or reinforced, or nil when no contract code was available.
func (r *Registry) Record(s Sample) *Signature {
	r.samples.Add(1)
	now := time.Now()

	r.mu.Lock()
	r.tokens[tokenKey(s.Chain, s.TokenAddress)] = s.Kind

	if len(s.ContractCode) < r.config.MinCodeBytes {
		r.mu.Unlock()
		log.Warn().Str("chain", s.Chain).Str("token", s.TokenAddress).Str("kind", string(s.Kind)).
			Msg("honeypot: token flagged without contract code")
		return nil
	}

	fp := Fingerprint(s.ContractCode)
	if sig, ok := r.signatures[fp]; ok {
		sig.Hits++
		sig.LastSeen = now
		sig.Confidence = r.confidence(sig.Hits)
		out := *sig
		r.mu.Unlock()
		log.Info().Str("signature", out.ID).Int("hits", out.Hits).Float64("confidence", out.Confidence).
			Msg("honeypot: known fingerprint reinforced")
		return &out
	}

	if len(r.signatures) >= r.config.MaxSignatures {
		r.mu.Unlock()
		log.Warn().Int("max", r.config.MaxSignatures).Msg("honeypot: registry full, fingerprint dropped")
		return nil
	}

	sig := &Signature{
		ID:          fmt.Sprintf("HP-%s-%s", strings.ToUpper(s.Chain), fp[:8]),
		Chain:       s.Chain,
		Kind:        s.Kind,
		Fingerprint: fp,
		Confidence:  r.config.BaseConfidence,
		Hits:        1,
		FirstSeen:   now,
		LastSeen:    now,
		SampleToken: s.TokenAddress,
	}
	r.signatures[fp] = sig
	out := *sig
	cb := r.onNew
	r.mu.Unlock()

	log.Info().Str("signature", out.ID).Str("kind", string(out.Kind)).Str("detected_by", s.DetectedBy).
		Msg("honeypot: new fingerprint learned")
	if cb != nil {
		cb(out)
	}
	return &out
}

// Match returns the signature whose fingerprint equals the code's, or nil.
func (r *Registry) Match(code []byte) *Signature {
	if len(code) < r.config.MinCodeBytes {
		return nil
	}
	fp := Fingerprint(code)

	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signatures[fp]
	if !ok {
		return nil
	}
	r.matches.Add(1)
	out := *sig
	return &out
}

// Flagged reports whether a token was recorded as a honeypot.
func (r *Registry) Flagged(chain, token string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.tokens[tokenKey(chain, token)]
	return k, ok
}

// Signatures returns a snapshot of all learned signatures.
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Signature, 0, len(r.signatures))
	for _, sig := range r.signatures {
		out = append(out, *sig)
	}
	return out
}

func (r *Registry) confidence(hits int) float64 {
	if hits >= r.config.HitsForMax {
		return 0.95
	}
	step := (0.95 - r.config.BaseConfidence) / float64(r.config.HitsForMax)
	return r.config.BaseConfidence + float64(hits-1)*step
}

// Fingerprint returns the hex encoded 16-byte sha256 prefix of code.
func Fingerprint(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:16])
}

func tokenKey(chain, token string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(token)
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	Signatures   int   `json:"signatures"`
	FlaggedTotal int   `json:"flagged_tokens"`
	Samples      int64 `json:"samples"`
	Matches      int64 `json:"matches"`
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sigs, flagged := len(r.signatures), len(r.tokens)
	r.mu.RUnlock()
	return RegistryStats{
		Signatures:   sigs,
		FlaggedTotal: flagged,
		Samples:      r.samples.Load(),
		Matches:      r.matches.Load(),
	}
}
