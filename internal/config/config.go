package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Agent struct {
	TickInterval             time.Duration `yaml:"tick_interval" default:"30s" validate:"gt=0"`
	DataPollInterval         time.Duration `yaml:"data_poll_interval" default:"30s" validate:"gt=0"`
	SignalResearchInterval   time.Duration `yaml:"signal_research_interval" default:"120s" validate:"gt=0"`
	PositionResearchInterval time.Duration `yaml:"position_research_interval" default:"300s" validate:"gt=0"`
	AnalystInterval          time.Duration `yaml:"analyst_interval" default:"120s" validate:"gt=0"`
	MaxResearchPerRun        int           `yaml:"max_research_per_run" default:"5" validate:"gte=1"`
}

type Trading struct {
	MaxPositions          int     `yaml:"max_positions" default:"5" validate:"gte=1"`
	MaxPositionValue      float64 `yaml:"max_position_value" default:"5000" validate:"gt=0"`
	PositionSizePctOfCash float64 `yaml:"position_size_pct_of_cash" default:"10" validate:"gt=0,lte=100"`
	MaxSizePct            float64 `yaml:"max_size_pct" default:"20" validate:"gt=0,lte=100"`
	MinNotional           float64 `yaml:"min_notional" default:"100" validate:"gte=0"`
	TakeProfitPct         float64 `yaml:"take_profit_pct" default:"10" validate:"gt=0"`
	StopLossPct           float64 `yaml:"stop_loss_pct" default:"5" validate:"gt=0"`
	MinSentimentScore     float64 `yaml:"min_sentiment_score" default:"0.3" validate:"gte=0,lte=1"`
	MinAnalystConfidence  float64 `yaml:"min_analyst_confidence" default:"0.6" validate:"gte=0,lte=1"`
}

type Staleness struct {
	Enabled           bool    `yaml:"enabled" default:"true"`
	MinHoldHours      float64 `yaml:"min_hold_hours" default:"24" validate:"gte=0"`
	MaxHoldDays       float64 `yaml:"max_hold_days" default:"3" validate:"gt=0"`
	MidHoldDays       float64 `yaml:"mid_hold_days" default:"2" validate:"gte=0,ltefield=MaxHoldDays"`
	MinGainPct        float64 `yaml:"min_gain_pct" default:"5"`
	MidMinGainPct     float64 `yaml:"mid_min_gain_pct" default:"3"`
	SocialVolumeDecay float64 `yaml:"social_volume_decay" default:"0.3" validate:"gte=0,lte=1"`
}

type Options struct {
	Enabled        bool    `yaml:"enabled"`
	MinConfidence  float64 `yaml:"min_confidence" default:"0.8" validate:"gte=0,lte=1"`
	MaxPctPerTrade float64 `yaml:"max_pct_per_trade" default:"2" validate:"gt=0,lte=100"`
	MinDTE         int     `yaml:"min_dte" default:"30" validate:"gte=0,ltefield=MaxDTE"`
	MaxDTE         int     `yaml:"max_dte" default:"60" validate:"gt=0"`
	TargetDelta    float64 `yaml:"target_delta" default:"0.45" validate:"gt=0,lt=1"`
	MinDelta       float64 `yaml:"min_delta" default:"0.3" validate:"gte=0,ltefield=MaxDelta"`
	MaxDelta       float64 `yaml:"max_delta" default:"0.7" validate:"gt=0,lte=1"`
	MaxSpreadPct   float64 `yaml:"max_spread_pct" default:"10" validate:"gt=0"`
	Lookahead      int     `yaml:"lookahead" default:"5" validate:"gte=1"`
	TakeProfitPct  float64 `yaml:"take_profit_pct" default:"100" validate:"gt=0"`
	StopLossPct    float64 `yaml:"stop_loss_pct" default:"50" validate:"gt=0"`
}

type Crypto struct {
	Enabled           bool     `yaml:"enabled"`
	Symbols           []string `yaml:"symbols" default:"[\"BTC/USD\",\"ETH/USD\",\"SOL/USD\"]"`
	MomentumThreshold float64  `yaml:"momentum_threshold" default:"2" validate:"gt=0"`
	MaxPositionValue  float64  `yaml:"max_position_value" default:"1000" validate:"gt=0"`
}

// Tier is one step of an engagement table: counts at or above Min earn Multiplier.
type Tier struct {
	Min        int     `yaml:"min" json:"min"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gt=0"`
}

type Reddit struct {
	Enabled    bool     `yaml:"enabled" default:"true"`
	Subreddits []string `yaml:"subreddits" default:"[\"wallstreetbets\",\"stocks\",\"investing\",\"options\"]"`
	PostLimit  int      `yaml:"post_limit" default:"50" validate:"gte=1,lte=100"`
}

type StockTwits struct {
	Enabled bool `yaml:"enabled" default:"true"`
}

type Signals struct {
	HalfLifeMinutes  float64            `yaml:"half_life_minutes" default:"120" validate:"gt=0"`
	MinVolume        int                `yaml:"min_volume" default:"2" validate:"gte=1"`
	SourceMinVolume  map[string]int     `yaml:"source_min_volume"`
	SourceWeights    map[string]float64 `yaml:"source_weights"`
	FlairMultipliers map[string]float64 `yaml:"flair_multipliers"`
	UpvoteTiers      []Tier             `yaml:"upvote_tiers" validate:"dive"`
	CommentTiers     []Tier             `yaml:"comment_tiers" validate:"dive"`
	Blacklist        []string           `yaml:"ticker_blacklist"`
	RequestsPerSec   float64            `yaml:"requests_per_sec" default:"1" validate:"gt=0"`
	Reddit           Reddit             `yaml:"reddit"`
	StockTwits       StockTwits         `yaml:"stocktwits"`
}

type Research struct {
	Model         string        `yaml:"model" default:"gpt-4o-mini" validate:"required"`
	AnalystModel  string        `yaml:"analyst_model" default:"gpt-4o" validate:"required"`
	TTL           time.Duration `yaml:"ttl" default:"3m" validate:"gt=0"`
	MaxTokens     int           `yaml:"max_tokens" default:"600" validate:"gte=64"`
	AnalystTokens int           `yaml:"analyst_max_tokens" default:"1200" validate:"gte=64"`
}

type Confirmation struct {
	Enabled        bool          `yaml:"enabled" default:"true"`
	MinSentiment   float64       `yaml:"min_sentiment" default:"0.3" validate:"gte=0,lte=1"`
	Boost          float64       `yaml:"boost" default:"1.15" validate:"gte=1"`
	Penalty        float64       `yaml:"penalty" default:"0.85" validate:"gt=0,lte=1"`
	Band           float64       `yaml:"band" default:"0.2" validate:"gte=0,lte=1"`
	DailyReadCap   int           `yaml:"daily_read_cap" default:"200" validate:"gte=0"`
	MaxPosts       int           `yaml:"max_posts" default:"10" validate:"gte=1,lte=100"`
	TTL            time.Duration `yaml:"ttl" default:"15m" validate:"gt=0"`
	RequestsPerSec float64       `yaml:"requests_per_sec" default:"0.5" validate:"gt=0"`
	BearerToken    string        `yaml:"bearer_token"`
}

type Premarket struct {
	Enabled     bool          `yaml:"enabled" default:"true"`
	Timezone    string        `yaml:"timezone" default:"America/New_York" validate:"required"`
	WindowStart string        `yaml:"window_start" default:"09:25" validate:"datetime=15:04"`
	WindowEnd   string        `yaml:"window_end" default:"09:30" validate:"datetime=15:04"`
	StaleAfter  time.Duration `yaml:"stale_after" default:"10m" validate:"gt=0"`
}

type Notify struct {
	WebhookURL string        `yaml:"webhook_url" validate:"omitempty,url"`
	Cooldown   time.Duration `yaml:"cooldown" default:"30m" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
	QueueSize  int           `yaml:"queue_size" default:"100" validate:"gte=1"`
}

type LLM struct {
	BaseURL      string        `yaml:"base_url" default:"https://api.openai.com/v1" validate:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout" default:"60s" validate:"gt=0"`
	MaxRetries   int           `yaml:"max_retries" default:"3" validate:"gte=1"`
	CostAlertUSD float64       `yaml:"cost_alert_usd" default:"10" validate:"gte=0"`
}

type Persistence struct {
	Backend   string `yaml:"backend" default:"file" validate:"oneof=file redis"`
	Path      string `yaml:"path" default:"data/state.json"`
	RedisAddr string `yaml:"redis_addr" default:"localhost:6379"`
	RedisKey  string `yaml:"redis_key" default:"mahoraga:state"`
}

type Control struct {
	Listen   string `yaml:"listen" default:":8080"`
	APIToken string `yaml:"api_token"`
}

type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
}

type Paper struct {
	StartingCash float64 `yaml:"starting_cash" default:"100000" validate:"gt=0"`
	JournalPath  string  `yaml:"journal_path" default:"data/orders.jsonl"`
	SlippageBps  int     `yaml:"slippage_bps" default:"2" validate:"gte=0"`
}

type Root struct {
	TradingMode  string       `yaml:"trading_mode" default:"paper" validate:"oneof=paper dry-run"`
	Agent        Agent        `yaml:"agent"`
	Trading      Trading      `yaml:"trading"`
	Staleness    Staleness    `yaml:"staleness"`
	Options      Options      `yaml:"options"`
	Crypto       Crypto       `yaml:"crypto"`
	Signals      Signals      `yaml:"signals"`
	Research     Research     `yaml:"research"`
	Confirmation Confirmation `yaml:"confirmation"`
	Premarket    Premarket    `yaml:"premarket"`
	Notify       Notify       `yaml:"notify"`
	LLM          LLM          `yaml:"llm"`
	Persistence  Persistence  `yaml:"persistence"`
	Control      Control      `yaml:"control"`
	Logging      Logging      `yaml:"logging"`
	Paper        Paper        `yaml:"paper"`
}

var validate = validator.New()

// Default returns a fully defaulted config without reading any file.
func Default() Root {
	var c Root
	if err := defaults.Set(&c); err != nil {
		// struct tags are static; a failure here is a programming error
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	fillTables(&c)
	return c
}

// Load reads a YAML file over the defaults, overlays secrets from the environment and validates.
func Load(path string) (Root, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	fillTables(&c)
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks struct constraints. Used on load and on runtime config updates.
func (c Root) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Premarket.Timezone); err != nil {
		return fmt.Errorf("invalid config: premarket timezone: %w", err)
	}
	return nil
}

func applyEnv(c *Root) {
	if v := os.Getenv("MAHORAGA_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("MAHORAGA_X_BEARER_TOKEN"); v != "" {
		c.Confirmation.BearerToken = v
	}
	if v := os.Getenv("MAHORAGA_API_TOKEN"); v != "" {
		c.Control.APIToken = v
	}
	if v := os.Getenv("MAHORAGA_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("MAHORAGA_REDIS_ADDR"); v != "" {
		c.Persistence.RedisAddr = v
	}
}

// fillTables sets the lookup tables that have no sensible struct-tag form.
func fillTables(c *Root) {
	s := &c.Signals
	if len(s.SourceWeights) == 0 {
		s.SourceWeights = map[string]float64{
			"stocktwits":            0.85,
			"reddit_wallstreetbets": 0.6,
			"reddit_stocks":         0.9,
			"reddit_investing":      0.8,
			"reddit_options":        0.85,
			"crypto_momentum":       1.0,
		}
	}
	if len(s.SourceMinVolume) == 0 {
		s.SourceMinVolume = map[string]int{
			"stocktwits":      1,
			"crypto_momentum": 1,
		}
	}
	if len(s.FlairMultipliers) == 0 {
		s.FlairMultipliers = map[string]float64{
			"DD":                 1.5,
			"Technical Analysis": 1.3,
			"News":               1.2,
			"Chart":              1.1,
			"Discussion":         1.0,
			"YOLO":               0.6,
			"Gain":               0.5,
			"Loss":               0.5,
			"Meme":               0.4,
			"Shitpost":           0.3,
		}
	}
	if len(s.UpvoteTiers) == 0 {
		s.UpvoteTiers = []Tier{
			{Min: 1000, Multiplier: 1.5},
			{Min: 500, Multiplier: 1.3},
			{Min: 200, Multiplier: 1.2},
			{Min: 100, Multiplier: 1.1},
			{Min: 50, Multiplier: 1.0},
			{Min: 0, Multiplier: 0.8},
		}
	}
	if len(s.CommentTiers) == 0 {
		s.CommentTiers = []Tier{
			{Min: 200, Multiplier: 1.4},
			{Min: 100, Multiplier: 1.25},
			{Min: 50, Multiplier: 1.15},
			{Min: 20, Multiplier: 1.05},
			{Min: 0, Multiplier: 0.9},
		}
	}
	if len(s.Blacklist) == 0 {
		s.Blacklist = []string{
			"I", "A", "AN", "THE", "AND", "OR", "FOR", "TO", "OF", "IN", "ON", "AT", "IT", "IS", "BE",
			"ARE", "WAS", "ALL", "ANY", "CAN", "NEW", "NOW", "ONE", "OUT", "UP", "SO", "NO", "YES",
			"CEO", "CFO", "IPO", "ETF", "SEC", "FDA", "GDP", "CPI", "FED", "USA", "USD", "EPS", "ATH",
			"DD", "YOLO", "FOMO", "IMO", "LOL", "WSB", "HODL", "TLDR", "EDIT", "PSA", "OP", "AI",
			"YOU", "HE", "SHE", "WE", "THEY", "ME", "MY", "US", "OK", "PM", "AM", "EOD", "ITM", "OTM",
		}
	}
}
