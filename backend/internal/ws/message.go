package ws

// Close codes sent when a join is refused or a connection is dropped.
const (
	CloseDocumentNotFound = 4404
	ClosePermissionDenied = 4403
	CloseRoomUnavailable  = 4500
	CloseSlowConsumer     = 4008
)

const (
	ReasonDocumentNotFound = "document-not-found"
	ReasonPermissionDenied = "permission-denied"
	ReasonRoomUnavailable  = "room-unavailable"
	ReasonSlowConsumer     = "slow-consumer"
)
