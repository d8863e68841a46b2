package models

import "time"

// CRLSnapshot is one signed revocation list for a CA. A new snapshot
// fully supersedes the previous one; each rebuild starts from the
// current revocation set.
type CRLSnapshot struct {
	ID         int64     `json:"id"`
	CAID       int64     `json:"ca_id"`
	CRLPEM     string    `json:"-"`
	CRLNumber  int64     `json:"crl_number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	CreatedAt  time.Time `json:"created_at"`
}
