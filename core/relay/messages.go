package relay

// Wire message types exchanged with clients and backend storage nodes.
const (
	MsgTypeRegister        = "register"
	MsgTypeRegistered      = "registered"
	MsgTypeStorageRequest  = "storage-request"
	MsgTypeStorageResponse = "storage-response"
	MsgTypeError           = "error"
)

// RegisterMsg announces a backend storage node on its control channel.
type RegisterMsg struct {
	PeerID string `json:"peerId"`
	NodeID string `json:"nodeId,omitempty"`
}

// RegisteredMsg acknowledges a registration.
type RegisteredMsg struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

// Authorization is an opaque signature tuple carried on a request. It is
// passed through to the backend unmodified; verification happens there.
type Authorization struct {
	Signature   string `json:"signature"`
	Address     string `json:"address"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	AppID       string `json:"appId"`
	ContentHash string `json:"contentHash"`
}

// StorageRequest is a client's store-and-forward request. Data is an opaque
// encoded payload; the relay never inspects it.
type StorageRequest struct {
	RequestID     string         `json:"requestId"`
	TargetPeerID  string         `json:"targetPeerId,omitempty"`
	Data          string         `json:"data"`
	ContentType   string         `json:"contentType"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// StorageResponse is a backend's result, routed back to the client verbatim.
type StorageResponse struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	CID       string `json:"cid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorMsg reports malformed input, routing failures, and timeouts.
type ErrorMsg struct {
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}
