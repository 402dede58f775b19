// Package remote defines the wire types and client interfaces for the chat
// backend: message sends, upload URL issuance, blob transfer, and history
// pages. The consumers depend on the interfaces so tests can substitute
// fakes without a server.
package remote

import (
	"context"
	"io"

	"github.com/yarsha/chatsync/internal/store"
)

// Media is the wire form of a completed attachment: server path plus
// metadata, never the local file path.
type Media struct {
	Name           string `json:"name"`
	FilePath       string `json:"filePath"`
	MimeType       string `json:"mimeType"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Size           int64  `json:"size,omitempty"`
	SignedURL      string `json:"signedUrl,omitempty"`
	ExpirationTime int64  `json:"expirationTime,omitempty"`
}

// OutboundMessage is the payload of a message send.
type OutboundMessage struct {
	ClientMsgID string             `json:"clientMsgId"`
	ChatID      string             `json:"chatId"`
	SenderID    string             `json:"senderId"`
	Content     string             `json:"content"`
	Kind        string             `json:"kind"`
	Multimedia  []Media            `json:"multimedia,omitempty"`
	Transaction *store.Transaction `json:"transaction,omitempty"`
	ReplyTo     *store.ReplyRef    `json:"replyTo,omitempty"`
	Timestamp   int64              `json:"timestamp"`
}

// Ack is the server acknowledgement of a message send.
type Ack struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
}

// InboundMessage is a message as the server reports it, on the stream or in
// a history page. ClientMsgID is set when the message originated from this
// client, which is how an echo is recognized.
type InboundMessage struct {
	ServerID    string             `json:"serverId"`
	ClientMsgID string             `json:"clientMsgId,omitempty"`
	ChatID      string             `json:"chatId"`
	SenderID    string             `json:"senderId"`
	Content     string             `json:"content"`
	Kind        string             `json:"kind"`
	Multimedia  []Media            `json:"multimedia,omitempty"`
	Transaction *store.Transaction `json:"transaction,omitempty"`
	ReplyTo     *store.ReplyRef    `json:"replyTo,omitempty"`
	Timestamp   int64              `json:"timestamp"`
}

// InboundReaction is a reaction event on the stream.
type InboundReaction struct {
	ChatID          string `json:"chatId"`
	MessageServerID string `json:"messageServerId"`
	Emoji           string `json:"emoji"`
	ReactorID       string `json:"reactorId"`
	ReactorName     string `json:"reactorName"`
	Timestamp       int64  `json:"timestamp"`
}

// InboundPin is a pin or unpin event on the stream.
type InboundPin struct {
	ChatID          string `json:"chatId"`
	MessageServerID string `json:"messageServerId"`
	Pinned          bool   `json:"pinned"`
}

// UploadTarget is the result of upload URL issuance: a short-lived PUT URL,
// a read URL for later display, and the durable server-side file path.
type UploadTarget struct {
	UploadURL      string `json:"uploadUrl"`
	ReadURL        string `json:"readUrl"`
	FilePath       string `json:"filePath"`
	ExpirationTime int64  `json:"expirationTime"`
}

// Fetch directions for history pages.
const (
	DirectionBefore = "before"
	DirectionAfter  = "after"
)

// MessageSender delivers a composed message to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, msg OutboundMessage) (Ack, error)
}

// UploadTargetIssuer requests a signed upload URL for one attachment.
type UploadTargetIssuer interface {
	GenerateUploadURL(ctx context.Context, chatID, fileName, contentType string) (UploadTarget, error)
}

// BlobPutter transfers attachment bytes to a previously issued upload URL.
type BlobPutter interface {
	PutBlob(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error
}

// PageFetcher fetches a page of chat history relative to a cursor.
type PageFetcher interface {
	FetchMessages(ctx context.Context, chatID, direction string, cursorMs int64, limit int) ([]InboundMessage, error)
}

// ReadURLRefresher reissues the read URL for an already uploaded blob.
type ReadURLRefresher interface {
	RefreshReadURL(ctx context.Context, filePath string) (UploadTarget, error)
}
