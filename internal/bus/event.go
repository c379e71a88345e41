package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Row operations carried by change-feed events.
const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// TableKind returns the event kind for a row change on table, e.g.
// "db.whatsapp_messages.insert". Subscribing to "db.<table>." receives both ops.
func TableKind(table, op string) string {
	return "db." + table + "." + op
}

// TableNamespace returns the subscription namespace covering every op on table.
func TableNamespace(table string) string {
	return "db." + table + "."
}

// Op returns the trailing row operation of a change-feed kind, or "".
func (e Event) Op() string {
	for i := len(e.Kind) - 1; i >= 0; i-- {
		if e.Kind[i] == '.' {
			return e.Kind[i+1:]
		}
	}
	return ""
}
