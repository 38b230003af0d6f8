package types

import (
	"time"

	"github.com/lib/pq"
)

// ApActor is a db model of a federation participant (local or remote).
// Person actors front forum users; Group actors front categories and tags.
type ApActor struct {
	ApID         string     `json:"ap_id" gorm:"primaryKey;type:text"`
	ApKey        string     `json:"ap_key" gorm:"type:text;index"`
	ApType       string     `json:"ap_type" gorm:"type:text"`
	ApFormerType string     `json:"ap_former_type" gorm:"type:text"`
	Local        bool       `json:"local" gorm:"type:bool"`
	Enabled      bool       `json:"enabled" gorm:"type:bool"`
	Username     string     `json:"username" gorm:"type:text;index"`
	Name         string     `json:"name" gorm:"type:text"`
	Summary      string     `json:"summary" gorm:"type:text"`
	Domain       string     `json:"domain" gorm:"type:text;index"`
	Inbox        string     `json:"inbox" gorm:"type:text"`
	Outbox       string     `json:"outbox" gorm:"type:text"`
	SharedInbox  string     `json:"shared_inbox" gorm:"type:text"`
	IconURL      string     `json:"icon_url" gorm:"type:text"`
	PublicKey    string     `json:"public_key" gorm:"type:text"`
	PrivateKey   string     `json:"-" gorm:"type:text"`
	ModelType    string     `json:"model_type" gorm:"type:text;uniqueIndex:uniq_apactor_model"`
	ModelID      string     `json:"model_id" gorm:"type:text;uniqueIndex:uniq_apactor_model"`
	DeletedAt    *time.Time `json:"deleted_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ApActivity is a db model of a recorded action by an actor on an
// actor/activity/object. ObjectType holds the target's base type.
type ApActivity struct {
	ApID        string     `json:"ap_id" gorm:"primaryKey;type:text"`
	ApKey       string     `json:"ap_key" gorm:"type:text;index"`
	ApType      string     `json:"ap_type" gorm:"type:text"`
	ActorID     string     `json:"actor_id" gorm:"type:text;index"`
	ObjectType  string     `json:"object_type" gorm:"type:text"`
	ObjectID    string     `json:"object_id" gorm:"type:text;index"`
	Visibility  string     `json:"visibility" gorm:"type:text"`
	Local       bool       `json:"local" gorm:"type:bool"`
	PublishedAt *time.Time `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ApObjectRecord is a db model of federated content (Note/Article/…) or its
// tombstoned remnant. AttributedToID is an actor URI, deliberately not a FK.
type ApObjectRecord struct {
	ApID           string         `json:"ap_id" gorm:"primaryKey;type:text"`
	ApKey          string         `json:"ap_key" gorm:"type:text;index"`
	ApType         string         `json:"ap_type" gorm:"type:text"`
	ApFormerType   string         `json:"ap_former_type" gorm:"type:text"`
	Content        string         `json:"content" gorm:"type:text"`
	Name           string         `json:"name" gorm:"type:text"`
	Summary        string         `json:"summary" gorm:"type:text"`
	AttributedToID string         `json:"attributed_to_id" gorm:"type:text;index"`
	ReplyToID      string         `json:"reply_to_id" gorm:"type:text"`
	CollectionID   string         `json:"collection_id" gorm:"type:text;index"`
	Context        string         `json:"context" gorm:"type:text"`
	Audience       string         `json:"audience" gorm:"type:text"`
	To             pq.StringArray `json:"to" gorm:"type:text[]"`
	CC             pq.StringArray `json:"cc" gorm:"type:text[]"`
	URL            string         `json:"url" gorm:"type:text"`
	Domain         string         `json:"domain" gorm:"type:text;index"`
	ModelType      string         `json:"model_type" gorm:"uniqueIndex:uniq_apobject_model;type:text"`
	ModelID        string         `json:"model_id" gorm:"uniqueIndex:uniq_apobject_model;type:text"`
	PublishedAt    *time.Time     `json:"published_at"`
	DeliveredAt    *time.Time     `json:"delivered_at"`
	DeletedAt      *time.Time     `json:"deleted_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ApFollow is a db model of a directed follow edge between two actors.
type ApFollow struct {
	ApID       string    `json:"ap_id" gorm:"primaryKey;type:text"`
	FollowerID string    `json:"follower_id" gorm:"type:text;uniqueIndex:uniq_apfollow"`
	FollowedID string    `json:"followed_id" gorm:"type:text;uniqueIndex:uniq_apfollow"`
	Accepted   bool      `json:"accepted" gorm:"type:bool"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApAttachment is a db model of media metadata owned by an object.
type ApAttachment struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	ObjectID  string    `json:"object_id" gorm:"type:text;index"`
	URL       string    `json:"url" gorm:"type:text"`
	Name      string    `json:"name" gorm:"type:text"`
	MediaType string    `json:"media_type" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// ApDeliveryFailure tracks delivery health per (local actor, remote domain).
type ApDeliveryFailure struct {
	ActorID      string    `json:"actor_id" gorm:"primaryKey;type:text"`
	Domain       string    `json:"domain" gorm:"primaryKey;type:text"`
	FailCount    int       `json:"fail_count" gorm:"type:int"`
	LastError    string    `json:"last_error" gorm:"type:text"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// ApSetting is a key-value row for runtime-tunable federation flags.
type ApSetting struct {
	Key   string `json:"key" gorm:"primaryKey;type:text"`
	Value string `json:"value" gorm:"type:text"`
}
