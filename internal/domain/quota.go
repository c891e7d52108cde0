package domain

import "time"

// RequestMeta carries request attributes available to quota computation.
type RequestMeta struct {
	Method    string
	Path      string
	UserAgent string
	At        time.Time
}

// Factors records each multiplicative term behind one quota.
type Factors struct {
	Traffic    float64 `json:"traffic"`
	Burst      float64 `json:"burst"`
	Resource   float64 `json:"resource"`
	Reputation float64 `json:"reputation"`
	Penalty    float64 `json:"penalty"`
}

// Product multiplies all factors.
func (f Factors) Product() float64 {
	return f.Traffic * f.Burst * f.Resource * f.Reputation * f.Penalty
}

// Quota is the window/ceiling pair consumed by the limiting mechanism.
// Params: window length in milliseconds, max requests, and factor breakdown.
// Returns: per-request limit decision input.
type Quota struct {
	WindowMS int64   `json:"windowMs"`
	Max      int     `json:"max"`
	Factors  Factors `json:"factors"`
}

// Window returns quota window as duration.
func (q Quota) Window() time.Duration {
	return time.Duration(q.WindowMS) * time.Millisecond
}

// Rejection is the structured payload returned when a quota is exhausted.
type Rejection struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Limit         int    `json:"limit"`
	WindowMS      int64  `json:"windowMs"`
	RetryAfterSec int64  `json:"retryAfter"`
	Algorithm     string `json:"algorithm"`
}
