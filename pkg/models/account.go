// Package models holds the persisted data types shared by the sync core.
package models

import "time"

// Author is the public face of an identity.
type Author struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// Signer is the identity's key pair.
type Signer struct {
	Type       string `json:"type"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// NetworkOptions configure the network client attached to an account.
type NetworkOptions struct {
	GatewayURL   string        `json:"gatewayUrl,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	PollInterval time.Duration `json:"pollInterval,omitempty"`
}

// RateLimit caps publications of one kind: Rate events per second with Burst.
type RateLimit struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// Account is a locally held identity.
type Account struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Author        Author             `json:"author"`
	Signer        Signer             `json:"signer"`
	Network       NetworkOptions     `json:"network"`
	Subscriptions []string           `json:"subscriptions"`
	RateLimits    map[Kind]RateLimit `json:"rateLimits,omitempty"`
	CreatedAt     int64              `json:"createdAt"`
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	out := a
	out.Signer.PublicKey = append([]byte(nil), a.Signer.PublicKey...)
	out.Signer.PrivateKey = append([]byte(nil), a.Signer.PrivateKey...)
	out.Subscriptions = append([]string(nil), a.Subscriptions...)
	if a.RateLimits != nil {
		out.RateLimits = make(map[Kind]RateLimit, len(a.RateLimits))
		for k, v := range a.RateLimits {
			out.RateLimits[k] = v
		}
	}
	return out
}

// Subscribed reports whether sourceID is in the account's subscriptions.
func (a Account) Subscribed(sourceID string) bool {
	for _, s := range a.Subscriptions {
		if s == sourceID {
			return true
		}
	}
	return false
}
