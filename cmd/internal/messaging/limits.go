package messaging

const (
	// Max message text length (runes).
	maxMessageChars = 4000

	// pairSeparator joins the two sorted participant ids into a
	// conversation id. Wire-stable: conversation ids appear in shareable
	// links and must never change format.
	pairSeparator = "_"
)
