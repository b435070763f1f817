package utp

import "time"

// Settings holds the tunables of spec §6.3. Zero-value fields are filled
// in from DefaultSettings by NewManager, except DontFragment: a false
// value is kept as given.
type Settings struct {
	TargetDelay    time.Duration // LEDBAT target one-way delay; default 100ms
	GainFactor     int64         // multiplicative cwnd gain per ack; default 3000
	NumResends     int           // data retransmit limit; default 6
	SynResends     int           // SYN retransmit limit; default 2
	FinResends     int           // FIN retransmit limit; default 2
	MinTimeout     time.Duration // RTO floor; default 500ms
	ConnectTimeout time.Duration // initial connect deadline; default 30s
	LossMultiplier int64         // cwnd cut ratio percent; default 50
	DontFragment   bool          // set DF bit (socket-wide, see dontfragment_linux.go); default true
	DelayedAck     time.Duration // max delay before forced ST_STATE; default 100ms

	// MTUFloor/MTUCeiling seed path-MTU discovery (spec §4.E). Defaults
	// are the classic 576-byte minimum-MTU floor and Ethernet ceiling,
	// less IPv4+UDP overhead.
	MTUFloor   int
	MTUCeiling int

	// ResetRateLimit/ResetRateBurst bound how many unsolicited ST_RESET
	// replies the manager will send per remote address per second
	// (SPEC_FULL domain stack: anti-amplification guard, not present in
	// the abstract spec).
	ResetRateLimit float64
	ResetRateBurst int
}

// DefaultSettings returns the spec §6.3 defaults.
func DefaultSettings() Settings {
	return Settings{
		TargetDelay:    100 * time.Millisecond,
		GainFactor:     3000,
		NumResends:     6,
		SynResends:     2,
		FinResends:     2,
		MinTimeout:     500 * time.Millisecond,
		ConnectTimeout: 30 * time.Second,
		LossMultiplier: 50,
		DontFragment:   true,
		DelayedAck:     100 * time.Millisecond,
		MTUFloor:       576 - 28,
		MTUCeiling:     1500 - 28,
		ResetRateLimit: 10,
		ResetRateBurst: 20,
	}
}

func (s *Settings) fillDefaults() {
	d := DefaultSettings()
	if s.TargetDelay == 0 {
		s.TargetDelay = d.TargetDelay
	}
	if s.GainFactor == 0 {
		s.GainFactor = d.GainFactor
	}
	if s.NumResends == 0 {
		s.NumResends = d.NumResends
	}
	if s.SynResends == 0 {
		s.SynResends = d.SynResends
	}
	if s.FinResends == 0 {
		s.FinResends = d.FinResends
	}
	if s.MinTimeout == 0 {
		s.MinTimeout = d.MinTimeout
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.LossMultiplier == 0 {
		s.LossMultiplier = d.LossMultiplier
	}
	if s.DelayedAck == 0 {
		s.DelayedAck = d.DelayedAck
	}
	if s.MTUFloor == 0 {
		s.MTUFloor = d.MTUFloor
	}
	if s.MTUCeiling == 0 {
		s.MTUCeiling = d.MTUCeiling
	}
	if s.ResetRateLimit == 0 {
		s.ResetRateLimit = d.ResetRateLimit
	}
	if s.ResetRateBurst == 0 {
		s.ResetRateBurst = d.ResetRateBurst
	}
}
