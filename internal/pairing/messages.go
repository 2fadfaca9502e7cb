package pairing

import "github.com/haasonsaas/pairrelay/pkg/models"

// Response codes.
const (
	CodeOK   = 0
	CodeFail = -1
)

// Wire messages. Only these strings are ever sent to clients.
const (
	MsgReady           = "Ready"
	MsgPaired          = "Paired"
	MsgDeviceScanned   = "Device scanned"
	MsgDeviceLinked    = "Device linked"
	MsgInvalidPayload  = "Invalid payload"
	MsgInvalidCompany  = "Invalid company id"
	MsgUnauthorized    = "Unauthorized"
	MsgNotFound        = "Pairing not found or expired"
	MsgTokenLinked     = "Token already linked"
	MsgMismatch        = "Pairing mismatch"
	MsgMissingDetails  = "Missing device details"
	MsgAlreadySubmit   = "Pairing already submitted"
	MsgSaveFailed      = "Unable to save device"
	MsgAdminCancelled  = "Pairing cancelled from dashboard"
	MsgPhoneGone       = "Phone disconnected before completing pairing"
	MsgExpired         = "Pairing expired"
	MsgShuttingDown    = "Server shutting down"
	MsgUnexpectedError = "Unexpected error"
)

// Response is the outbound envelope.
type Response struct {
	Code int           `json:"code"`
	Msg  string        `json:"msg"`
	Data *ResponseData `json:"data,omitempty"`
}

// ResponseData carries step-specific payload.
type ResponseData struct {
	Step           int                    `json:"step"`
	Token          string                 `json:"token,omitempty"`
	PairingURL     string                 `json:"pairingUrl,omitempty"`
	WhatsAppNumber *models.WhatsAppNumber `json:"whatsappNumber,omitempty"`
}

// OK builds a success response for step.
func OK(msg string, data ResponseData) Response {
	return Response{Code: CodeOK, Msg: msg, Data: &data}
}

// Fail builds an error response.
func Fail(msg string) Response {
	return Response{Code: CodeFail, Msg: msg}
}

// replyError is a protocol error whose text is safe to send to the client.
type replyError string

func (e replyError) Error() string { return string(e) }
