package types

// Client-observable event names. Inbound names are what the demultiplexer
// routes on; outbound names are fixed contract with the clients.
const (
	// Identity
	EventIdentityAttach = "identity:attach"
	EventReauth         = "reauth"
	EventAttachUser     = "attach_user"
	EventWhoami         = "whoami"

	// Random matchmaking
	EventStart = "start"
	EventNext  = "next"
	EventStop  = "stop"

	// Direct calls
	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallDecline  = "call:decline"
	EventCallCancel   = "call:cancel"
	EventCallEnd      = "call:end"
	EventCallBusy     = "call:busy"

	// Rooms & signaling
	EventRoomJoinAck     = "room:join:ack"
	EventRoomLeave       = "room:leave"
	EventConnEstablished = "connection:established"
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventICECandidate    = "ice-candidate"
	EventHangup          = "hangup"
	EventCamToggle       = "cam-toggle"
	EventPipEntered      = "pip:entered"
	EventPipExited       = "pip:exited"
	EventPipState        = "pip:state"

	// Outbound only
	EventMatchFound      = "match_found"
	EventPeerConnected   = "peer:connected"
	EventPeerStopped     = "peer:stopped"
	EventPeerLeft        = "peer:left"
	EventDisconnected    = "disconnected"
	EventCallIncoming    = "call:incoming"
	EventCallAccepted    = "call:accepted"
	EventCallDeclined    = "call:declined"
	EventCallTimeout     = "call:timeout"
	EventCallEnded       = "call:ended"
	EventCallRoomCreated = "call:room:created"
	EventPresenceDelta   = "presence:update"
	EventPresenceBulk    = "presence_update"
)

// Ack error codes (the client-error taxonomy).
const (
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeBadPeer          = "bad_peer"
	ErrCodeBadIDs           = "bad_ids"
	ErrCodeBusy             = "busy"
	ErrCodePeerOffline      = "peer_offline"
	ErrCodePeerBusy         = "peer_busy"
	ErrCodeInitiatorBusy    = "initiator_busy"
	ErrCodeRoomFull         = "room_full"
	ErrCodeInvalidUserID    = "invalid_userId"
	ErrCodeInvalidTo        = "invalid_to"
	ErrCodeNotFriends       = "not_friends"
	ErrCodeDuplicateRequest = "duplicate_request"
	ErrCodeBadPayload       = "bad_payload"
)
