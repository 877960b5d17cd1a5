package consts

const (
	UnknownDisplayName = "Unknown User"
	MaxMessageLength   = 4000
	PreviewMaxRunes    = 120
)

const (
	EventConversationCreated = "conversation.created"
	EventMessageAppended     = "message.appended"
	EventAccountMigrated     = "account.migrated"
)
