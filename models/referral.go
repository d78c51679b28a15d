package models

// Referral links a referred user to their referrer. Rows are written by the
// (out-of-scope) onboarding flow; the engine only counts them for the
// referrals achievement metric. The unique index on referred_id means a user
// can be referred at most once.
type Referral struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	ReferrerID string `gorm:"index;not null" json:"referrer_id"`
	ReferredID string `gorm:"uniqueIndex;not null" json:"referred_id"`

	ReferralCodeUsed string `json:"referral_code_used"`

	Timestamps
}
