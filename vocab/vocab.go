// Package vocab pins down the closed set of ActivityStreams types this
// bridge understands. Unknown type tags are rejected at the boundary, never
// deeper in.
package vocab

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = ActivityStreamsContext + "#Public"

	ContentType    = "application/activity+json"
	LDContentType  = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	JRDContentType = "application/jrd+json"

	UserAgent = "ForumApBridge/1.0 (ActivityPub)"
)

// Base types. Every concrete type maps to exactly one of these.
const (
	BaseActivity   = "Activity"
	BaseActor      = "Actor"
	BaseObject     = "Object"
	BaseCollection = "Collection"
	BaseLink       = "Link"
)

// Activity types.
const (
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeReject   = "Reject"
	TypeUndo     = "Undo"
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeLike     = "Like"
	TypeAnnounce = "Announce"
)

// Actor types. Service is recognized so it can be rejected by name.
const (
	TypePerson      = "Person"
	TypeGroup       = "Group"
	TypeApplication = "Application"
	TypeService     = "Service"
)

// Object types.
const (
	TypeNote      = "Note"
	TypeArticle   = "Article"
	TypeImage     = "Image"
	TypeDocument  = "Document"
	TypeTombstone = "Tombstone"
)

// Collection types.
const (
	TypeCollection        = "Collection"
	TypeOrderedCollection = "OrderedCollection"
)

const TypeLink = "Link"

// Visibility values for persisted activities.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

var baseTypes = map[string]string{
	TypeFollow:   BaseActivity,
	TypeAccept:   BaseActivity,
	TypeReject:   BaseActivity,
	TypeUndo:     BaseActivity,
	TypeCreate:   BaseActivity,
	TypeUpdate:   BaseActivity,
	TypeDelete:   BaseActivity,
	TypeLike:     BaseActivity,
	TypeAnnounce: BaseActivity,

	TypePerson:      BaseActor,
	TypeGroup:       BaseActor,
	TypeApplication: BaseActor,
	TypeService:     BaseActor,

	TypeNote:      BaseObject,
	TypeArticle:   BaseObject,
	TypeImage:     BaseObject,
	TypeDocument:  BaseObject,
	TypeTombstone: BaseObject,

	TypeCollection:        BaseCollection,
	TypeOrderedCollection: BaseCollection,

	TypeLink: BaseLink,
}

// BaseType maps a concrete type tag to its base type, or "" when the tag is
// outside the supported vocabulary.
func BaseType(t string) string {
	return baseTypes[t]
}

// Known reports whether t is in the supported vocabulary.
func Known(t string) bool {
	_, ok := baseTypes[t]
	return ok
}

// capabilities declares, per actor type, the object base types an activity
// type may lawfully target. Consulted when validating inbound activities and
// again before any activity row is persisted.
var capabilities = map[string]map[string][]string{
	TypePerson: {
		TypeFollow:   {BaseActor},
		TypeUndo:     {BaseActivity},
		TypeCreate:   {BaseObject},
		TypeUpdate:   {BaseObject},
		TypeDelete:   {BaseObject, BaseActor},
		TypeLike:     {BaseObject},
		TypeAnnounce: {BaseObject},
		TypeAccept:   {BaseActivity},
		TypeReject:   {BaseActivity},
	},
	TypeGroup: {
		TypeAccept:   {BaseActivity},
		TypeReject:   {BaseActivity},
		TypeAnnounce: {BaseObject, BaseActivity},
		TypeDelete:   {BaseActor, BaseObject},
	},
}

// Can reports whether an actor of actorType may perform activityType against
// an object whose base type is objectBase.
func Can(actorType, activityType, objectBase string) bool {
	table, ok := capabilities[actorType]
	if !ok {
		return false
	}
	allowed, ok := table[activityType]
	if !ok {
		return false
	}
	for _, b := range allowed {
		if b == objectBase {
			return true
		}
	}
	return false
}

// mediaTypes is the attachment media-type allow list.
var mediaTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"image/svg+xml":   true,
	"video/mp4":       true,
	"video/webm":      true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"application/pdf": true,
}

// ValidMediaType reports whether mt may appear on an attachment.
func ValidMediaType(mt string) bool {
	return mediaTypes[mt]
}
