package domain

import "time"

// Channel is the redemption context. Lobby is a staffed check-in desk, self
// is the participant's own device. Authorization rules differ per channel.
type Channel string

const (
	ChannelLobby Channel = "lobby"
	ChannelSelf  Channel = "self"
)

// Competition is created by an administrative import and is read-only to the
// pipeline.
type Competition struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Address              []string   `json:"address,omitempty"`
	Days                 []string   `json:"days,omitempty"`
	CheckinMinutesBefore int        `json:"checkinMinutesBefore,omitempty"`
	Categories           []Category `json:"categories,omitempty"`
}

// Category returns the category with the given name, if registered.
func (c Competition) Category(name string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return Category{}, false
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Heat is a scheduled session under a competition. Its id derives from
// day+time and is created on first sighting, never overwritten.
type Heat struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Day  string `json:"day"`
	Time string `json:"time"`
}

type Participant struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact,omitempty"`
}

// Redemption records the one-time act of consuming a code.
type Redemption struct {
	At  time.Time `json:"at"`
	By  string    `json:"by"`
	How Channel   `json:"how"`
}

type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationProcessed RegistrationStatus = "processed"
	RegistrationVoid      RegistrationStatus = "void"
)

// Registration is keyed by dorsal within a heat. Reprocessing the same input
// replaces it but never duplicates it.
type Registration struct {
	CompetitionID string             `json:"competitionId"`
	HeatID        string             `json:"heatId"`
	Dorsal        string             `json:"dorsal"`
	CategoryID    string             `json:"category"`
	CategoryName  string             `json:"categoryName"`
	Participants  []Participant      `json:"participants"`
	Provider      string             `json:"provider"`
	ProviderID    string             `json:"providerId,omitempty"`
	CodeID        string             `json:"qrId"`
	Status        RegistrationStatus `json:"status"`
	Checkin       *Redemption        `json:"checkin,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

type CodeType string

const (
	CodeTypeRegistration CodeType = "registration"
	CodeTypeAddon        CodeType = "addon"
)

type CodeStatus string

const (
	CodeInit       CodeStatus = "init"
	CodeProcessing CodeStatus = "processing"
	CodeReady      CodeStatus = "ready"
	CodeVoid       CodeStatus = "void"
	CodeFailed     CodeStatus = "failed"
)

type CompetitionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type HeatRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Day  string `json:"day"`
	Time string `json:"time"`
}

// ArtifactFile points at a generated asset in object storage.
type ArtifactFile struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

func (f ArtifactFile) IsZero() bool { return f.URL == "" && f.Path == "" }

type CodeFiles struct {
	QR      ArtifactFile `json:"qr,omitzero"`
	Barcode ArtifactFile `json:"barcode,omitzero"`
	Ticket  ArtifactFile `json:"ticket,omitzero"`
}

// Complete reports whether every artifact has been generated.
func (f CodeFiles) Complete() bool {
	return !f.QR.IsZero() && !f.Barcode.IsZero() && !f.Ticket.IsZero()
}

// RegistrationPayload is the denormalized registration snapshot embedded in a
// code so redemption and rendering never need extra reads.
type RegistrationPayload struct {
	Heat         HeatRef       `json:"heat"`
	Dorsal       string        `json:"dorsal"`
	Category     Category      `json:"category"`
	Participants []Participant `json:"participants"`
}

// Sizes holds the per-size quantities of a t-shirt addon.
type Sizes struct {
	S   string `json:"s,omitempty"`
	M   string `json:"m,omitempty"`
	L   string `json:"l,omitempty"`
	XL  string `json:"xl,omitempty"`
	XXL string `json:"xxl,omitempty"`
}

func (s Sizes) IsZero() bool {
	return s.S == "" && s.M == "" && s.L == "" && s.XL == "" && s.XXL == ""
}

// AddonPayload describes an addon entitlement (currently t-shirts only).
type AddonPayload struct {
	AddonType   string `json:"addonType"`
	ReferenceID string `json:"referenceId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Sizes       Sizes  `json:"sizes"`
}

// Code is the redeemable unit. Its id is deterministic so reprocessing the
// same source row targets the same document. A code transitions to redeemed
// at most once.
type Code struct {
	ID           string               `json:"id"`
	Type         CodeType             `json:"type"`
	Status       CodeStatus           `json:"status"`
	Competition  CompetitionRef       `json:"competition"`
	Provider     string               `json:"provider"`
	RedeemableBy []string             `json:"redeemableBy"`
	Registration *RegistrationPayload `json:"registration,omitempty"`
	Addon        *AddonPayload        `json:"addon,omitempty"`
	Files        CodeFiles            `json:"files"`
	Redeemed     *Redemption          `json:"redeemed,omitempty"`
	RetryCount   int                  `json:"retryCount"`
	VoidReason   string               `json:"voidReason,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
	ChunkSkipped    ChunkStatus = "skipped"
)

type ChunkKind string

const (
	ChunkParticipants ChunkKind = "participants"
	ChunkAddons       ChunkKind = "addons"
)

// Row is a validated participant import row. Untyped CSV maps never travel
// past the importer boundary.
type Row struct {
	HeatID       string        `json:"heatId"`
	HeatName     string        `json:"heatName"`
	HeatDay      string        `json:"heatDay"`
	HeatTime     string        `json:"heatTime"`
	Dorsal       string        `json:"dorsal"`
	CategoryName string        `json:"category"`
	Participants []Participant `json:"participants"`
	Provider     string        `json:"provider"`
	ProviderID   string        `json:"providerId,omitempty"`
}

// AddonRow is a validated addon import row.
type AddonRow struct {
	Provider    string `json:"provider"`
	ReferenceID string `json:"referenceId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Sizes       Sizes  `json:"sizes"`
}

// Chunk is a bounded, persisted slice of a bulk import. It is write-once
// except for status/retry fields and is kept as an audit trail.
type Chunk struct {
	ID            string      `json:"id"`
	CompetitionID string      `json:"eventId"`
	Index         int         `json:"chunkIndex"`
	Kind          ChunkKind   `json:"kind"`
	TotalRecords  int         `json:"totalRecords"`
	Rows          []Row       `json:"data,omitempty"`
	AddonRows     []AddonRow  `json:"addonData,omitempty"`
	ChunkHeats    []string    `json:"chunkHeats,omitempty"`
	Processed     bool        `json:"processed"`
	RetryCount    int         `json:"retryCount"`
	Status        ChunkStatus `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Agent is a staffed check-in operator authenticated by user+pin.
type Agent struct {
	User    string   `json:"user"`
	PinHash string   `json:"-"` // bcrypt hash, never serialized
	Roles   []string `json:"roles"`
	Enabled bool     `json:"enabled"`
}

// Actor is the authenticated identity attached to a request.
type Actor struct {
	Identity string
	Roles    []string
	Provider string
}

// HasRole reports whether the actor carries the given role claim.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
