package intel

import (
	"math"
	"strings"
	"time"
	"unicode"
)

var bullishWords = map[string]bool{
	"moon": true, "mooning": true, "pump": true, "pumping": true, "bullish": true,
	"buy": true, "buying": true, "gem": true, "rocket": true, "lfg": true,
	"breakout": true, "undervalued": true, "hodl": true, "ath": true, "send": true,
	"long": true, "accumulate": true, "early": true,
}

var bearishWords = map[string]bool{
	"dump": true, "dumping": true, "rug": true, "rugged": true, "scam": true,
	"sell": true, "selling": true, "bearish": true, "honeypot": true, "dead": true,
	"exit": true, "crash": true, "rekt": true, "fake": true, "avoid": true,
	"short": true, "overvalued": true,
}

// SentimentResult summarizes social chatter for a token.
type SentimentResult struct {
	Score           float64     `json:"score"` // -1..1, follower weighted
	MentionCount    int         `json:"mention_count"`
	BotCount        int         `json:"bot_count"`
	BullishCount    int         `json:"bullish_count"`
	BearishCount    int         `json:"bearish_count"`
	HourlyMentions  map[int]int `json:"hourly_mentions"` // UTC hour -> mentions
	MentionVelocity float64     `json:"mention_velocity"` // mentions per active hour
	TrendStrength   float64     `json:"trend_strength"`   // 0-1, recency weighted
	Confidence      float64     `json:"confidence"`
}

// AnalyzeSentiment scores mentions relative to now. Likely bot posts are
// excluded from the weighted score.
func AnalyzeSentiment(mentions []Mention, now time.Time) SentimentResult {
	res := SentimentResult{MentionCount: len(mentions), HourlyMentions: make(map[int]int)}
	if len(mentions) == 0 {
		return res
	}

	var weighted, weights, plain float64
	humans := 0
	hourBuckets := make(map[int64]int)
	for _, m := range mentions {
		ts := m.Timestamp.UTC()
		res.HourlyMentions[ts.Hour()]++
		hourBuckets[ts.Truncate(time.Hour).Unix()]++

		if isLikelyBot(m) {
			res.BotCount++
			continue
		}
		s := mentionSentiment(m.Text)
		switch {
		case s > 0:
			res.BullishCount++
		case s < 0:
			res.BearishCount++
		}
		w := math.Log(float64(m.Followers) + 1)
		weighted += s * w
		weights += w
		plain += s
		humans++
	}

	switch {
	case weights > 0:
		res.Score = weighted / weights
	case humans > 0:
		res.Score = plain / float64(humans)
	}
	res.Score = math.Max(-1, math.Min(1, res.Score))

	res.MentionVelocity = float64(len(mentions)) / float64(len(hourBuckets))
	res.TrendStrength = trendStrength(mentions, now)
	res.Confidence = math.Min(1, float64(humans)/20)
	return res
}

// mentionSentiment is the keyword balance of a post in [-1, 1].
func mentionSentiment(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var bull, bear int
	for _, w := range words {
		if bullishWords[w] {
			bull++
		}
		if bearishWords[w] {
			bear++
		}
	}
	if bull+bear == 0 {
		return 0
	}
	return float64(bull-bear) / float64(bull+bear)
}

// botScore combines account age, post length, symbol density and posting
// frequency into [0, 1].
func botScore(m Mention) float64 {
	score := 0.0
	if m.AccountAgeDays < 30 {
		score += 0.3
	}
	text := strings.TrimSpace(m.Text)
	if len([]rune(text)) < 10 {
		score += 0.2
	}
	if symbolDensity(text) > 0.3 {
		score += 0.3
	}
	if m.PostsPerDay > 50 {
		score += 0.3
	}
	return math.Min(score, 1)
}

func isLikelyBot(m Mention) bool { return botScore(m) >= 0.5 }

func symbolDensity(text string) float64 {
	total, symbols := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}

// trendStrength = (c1h*4 + c6h*2 + c24h) / (7*c24h).
func trendStrength(mentions []Mention, now time.Time) float64 {
	var c1, c6, c24 int
	for _, m := range mentions {
		age := now.Sub(m.Timestamp)
		if age < 0 || age > 24*time.Hour {
			continue
		}
		c24++
		if age <= 6*time.Hour {
			c6++
		}
		if age <= time.Hour {
			c1++
		}
	}
	if c24 == 0 {
		return 0
	}
	return float64(c1*4+c6*2+c24) / float64(7*c24)
}
