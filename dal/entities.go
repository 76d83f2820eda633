package dal

import (
	"time"
)

type Account struct {
	Id               int
	CreatedAt        time.Time
	Handle           string // alice
	Name             string // Alice
	Summary          string // profile bio
	ManuallyApproves bool
	PubKey           string
}

type RemoteActor struct {
	UserUrl     string // https://events.example.org/users/bob
	Handle      string // bob
	Host        string // events.example.org
	Inbox       string // https://events.example.org/users/bob/inbox
	SharedInbox string // https://events.example.org/inbox; may be empty
	PubKey      string
	RefreshedAt time.Time
}

type FollowerInfo struct {
	RequestId     string // ID of the follow request activity; needed for accept reply
	ApproveStatus int    // 0: pending, 1: accepted, negative: banned
	UserUrl       string
	Handle        string
	Host          string
	UserInbox     string
	SharedInbox   string
}

type FollowingInfo struct {
	RequestId string
	UserUrl   string
	Status    int // 0: pending, 1: accepted, -1: rejected
}

type Event struct {
	Id        string // UUID; URL assembled by IdBuilder
	AccountId int
	CreatedAt time.Time
	Name      string
	Content   string
	StartTime time.Time
	EndTime   *time.Time
	Location  string
}

type CachedObject struct {
	UriHash    int64
	Uri        string
	Kind       string // Event, Note, Announce
	ActorUrl   string
	Content    string // sanitized serialized object
	ReceivedAt time.Time
}

type FailedDelivery struct {
	Id            int
	SendingUser   string
	InboxUrl      string
	ActivityJson  string
	LastError     string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
