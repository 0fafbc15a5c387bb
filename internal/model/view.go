package model

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// View names one of the five debtor classifications.
type View string

const (
	ViewCurrent      View = "actuales"     // everyone in the reference snapshot
	ViewRecurring    View = "reincidentes" // current and unresolved across a >= 2 day gap
	ViewFirstNotice  View = "incidentes1"  // current, one incident, not emailed today
	ViewRepeatNotice View = "incidentes2"  // current, two or more incidents, not emailed today
	ViewResolved     View = "resueltos"    // latest event is older than the reference date
)

// Views lists every known view in display order.
var Views = []View{ViewCurrent, ViewRecurring, ViewFirstNotice, ViewRepeatNotice, ViewResolved}

// ParseView maps a user-supplied name to a View. Unknown names fall back to
// ViewCurrent.
func ParseView(name string) View {
	v := View(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Views {
		if v == known {
			return v
		}
	}
	return ViewCurrent
}

// DebtorFacts is the raw ledger state the view engine classifies. The
// repository produces it; it carries no derived flags.
type DebtorFacts struct {
	Debtor        Debtor
	ExportDate    civil.Date
	IncidentCount int
	// PreviousExportDate is the most recent export date strictly before the
	// reference date, nil if the debtor had no earlier event.
	PreviousExportDate *civil.Date
	// EmailTimes holds every email action timestamp, oldest first.
	EmailTimes []time.Time
}

// DebtorRow is one line of a view.
type DebtorRow struct {
	DebtorID           string      `json:"debtorId"`
	ClientID           string      `json:"clientId"`
	FirstName          string      `json:"firstName"`
	LastName           string      `json:"lastName"`
	Email              string      `json:"email"`
	Phone              string      `json:"phone"`
	IncidentCount      int         `json:"incidentCount"`
	ExportDate         civil.Date  `json:"exportDate"`
	PreviousExportDate *civil.Date `json:"previousExportDate,omitempty"`
	EmailSent          bool        `json:"emailSent"`
	LastEmailAt        *time.Time  `json:"lastEmailAt,omitempty"`
	EmailHistory       string      `json:"emailHistory"`
	IsRecurring        bool        `json:"isRecurring"`
}

// Badge tells the UI whether the "pending notification" indicators show.
type Badge struct {
	Pointer       *civil.Date `json:"pointer,omitempty"`
	PendingFirst  int         `json:"pendingFirst"`
	PendingRepeat int         `json:"pendingRepeat"`
	Visible       bool        `json:"visible"`
}
