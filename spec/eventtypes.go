package spec

// Room event types with protocol-defined authorization semantics.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomName              = "m.room.name"
	MRoomTopic             = "m.room.topic"
	MRoomMessage           = "m.room.message"
	MRoomHistoryVisibility = "m.room.history_visibility"
)

// Membership values for m.room.member events.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// Join rules for m.room.join_rules events.
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
	JoinRuleKnock  = "knock"
)

// EDU types dispatched by the transaction processor.
const (
	MPresence       = "m.presence"
	MTyping         = "m.typing"
	MReceipt        = "m.receipt"
	MDirectToDevice = "m.direct_to_device"
)
