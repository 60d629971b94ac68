package hub

const (
	EventPlaybookTransition = "playbook.transition"
	EventPlaybookVersion    = "playbook.version"
	EventPurchase           = "purchase.updated"
	EventInstallation       = "installation.updated"
	EventReview             = "review.updated"
)

// Event is one marketplace lifecycle change fanned out to subscribers of
// OrgID. An empty OrgID reaches every client.
type Event struct {
	Type     string `json:"type"`
	OrgID    string `json:"org_id,omitempty"`
	EntityID string `json:"entity_id"`
	Status   string `json:"status,omitempty"`
	Data     any    `json:"data,omitempty"`
	Ts       int64  `json:"ts"`
}

type HelloMessage struct {
	Type     string   `json:"type"`
	ClientID string   `json:"client_id"`
	Orgs     []string `json:"orgs,omitempty"`
}

type ClientMessage struct {
	Type  string `json:"type"`
	OrgID string `json:"org_id,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data  []byte
	orgID string
}
