package store

// Kind discriminates the message payload variant. Exactly one payload shape
// is meaningful per kind: Multimedia for media kinds, Transaction for the
// value-transfer kinds, Content for the rest.
type Kind string

const (
	KindText            Kind = "text"
	KindImage           Kind = "image"
	KindVideo           Kind = "video"
	KindFile            Kind = "file"
	KindGif             Kind = "gif"
	KindBlink           Kind = "blink"
	KindTransaction     Kind = "transaction"
	KindBlinkTransfered Kind = "blinkTransfered"

	// KindChatCreated is the synthetic marker inserted when a chat is
	// created. Nothing older than it can exist, so pagination stops there.
	KindChatCreated Kind = "chatCreated"
)

// ContentOptional reports whether a message of this kind may carry empty
// content. Value-transfer kinds describe themselves through their payload.
func (k Kind) ContentOptional() bool {
	switch k {
	case KindTransaction, KindBlink, KindBlinkTransfered:
		return true
	}
	return false
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile, KindGif, KindBlink,
		KindTransaction, KindBlinkTransfered, KindChatCreated:
		return true
	}
	return false
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusUploading Status = "uploading"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// InFlight reports whether the status blocks a new text send for the chat.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusSyncing
}

// UploadState is the single finite state of an attachment upload. Failure is
// a sub-state of the stage it occurred in, so a retry knows where to resume.
type UploadState string

const (
	UploadInitial           UploadState = "initial"
	UploadGenerateURL       UploadState = "generateUrl"
	UploadGenerateURLFailed UploadState = "generateUrlFailed"
	UploadTransferring      UploadState = "uploading"
	UploadTransferFailed    UploadState = "uploadingFailed"
	UploadCompleted         UploadState = "completed"
)

// Failed reports whether the state is a frozen failure sub-state.
func (s UploadState) Failed() bool {
	return s == UploadGenerateURLFailed || s == UploadTransferFailed
}

// RetryEntry returns the stage a retry re-enters from a failure sub-state.
// A failed URL issuance retries from generateUrl, never from initial: the
// local file metadata derived at initial is still valid.
func (s UploadState) RetryEntry() UploadState {
	switch s {
	case UploadGenerateURLFailed:
		return UploadGenerateURL
	case UploadTransferFailed:
		return UploadTransferring
	}
	return s
}

// Attachment is a multimedia item owned by exactly one message.
type Attachment struct {
	Name           string      `json:"name"`
	LocalPath      string      `json:"localPath"`
	MimeType       string      `json:"mimeType"`
	Width          int         `json:"width,omitempty"`
	Height         int         `json:"height,omitempty"`
	Size           int64       `json:"size,omitempty"`
	State          UploadState `json:"state"`
	FilePath       string      `json:"filePath,omitempty"`
	UploadURL      string      `json:"uploadUrl,omitempty"`
	SignedURL      string      `json:"signedUrl,omitempty"`
	ExpirationTime int64       `json:"expirationTime,omitempty"`
}

// Transaction is the payload for value-transfer message kinds.
type Transaction struct {
	Amount        string `json:"amount"`
	FromWallet    string `json:"fromWallet"`
	ToWallet      string `json:"toWallet"`
	SenderID      string `json:"senderId"`
	Signature     string `json:"signature"`
	TransactionID string `json:"transactionId"`
	Timestamp     int64  `json:"timestamp"`
}

// ReplyRef is a weak back-reference to a replied-to message: the target's
// server id plus a denormalized preview, never an ownership edge.
type ReplyRef struct {
	ServerID   string `json:"serverId"`
	SenderName string `json:"senderName"`
	Preview    string `json:"preview"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	Emoji       string `json:"emoji"`
	ReactorID   string `json:"reactorId"`
	ReactorName string `json:"reactorName"`
	Timestamp   int64  `json:"timestamp"`
}

// Message is the central entity: one row per logical message, keyed locally
// by ClientMsgID and remotely by ServerID once acknowledged.
type Message struct {
	ID          int64
	ClientMsgID string
	ServerID    string
	ChatID      string
	SenderID    string
	Content     string
	Kind        Kind
	Status      Status
	Multimedia  []Attachment
	Transaction *Transaction
	ReplyTo     *ReplyRef
	Reactions   []Reaction
	IsPinned    bool
	CreatedAt   int64 // unix milliseconds, client-assigned, immutable
	UpdatedAt   int64
}

// Change describes a store mutation, published on the bus so readers can
// refresh without polling.
type Change struct {
	Op          string
	ChatID      string
	ClientMsgID string
}

// Change ops.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)
