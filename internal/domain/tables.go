package domain

var Tables = []interface{}{
	// Sessions
	&Connection{},
	// Inbox
	&Contact{},
	&Conversation{},
	&Message{},
	&Tag{},
	&ContactTag{},
	// Automation
	&FlowGraph{},
	&FlowNode{},
	&FlowEdge{},
}
