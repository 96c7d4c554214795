package domain

// User is the profile stored for an owner. Profile fields are kept as sent.
type User struct {
	UID     string         `json:"uid"`
	Profile map[string]any `json:"profile"`
}

// UpsertResult mirrors what the store reports for a user upsert.
type UpsertResult struct {
	Acknowledged  bool   `json:"acknowledged"`
	MatchedCount  int64  `json:"matchedCount"`
	ModifiedCount int64  `json:"modifiedCount"`
	UpsertedCount int64  `json:"upsertedCount"`
	UpsertedID    string `json:"upsertedId,omitempty"`
}
