package repository

import "fmt"

// TicketNumber formats the human-readable ticket number.
func TicketNumber(tenantID string, seq int64) string {
	return "TKT-" + tenantID + "-" + pad(seq, 6)
}

// ServiceOrderNumber formats OS-{tenant}-{year}-{seq}.
func ServiceOrderNumber(tenantID string, year int, seq int64) string {
	return "OS-" + tenantID + "-" + pad(int64(year), 4) + "-" + pad(seq, 5)
}

func pad(v int64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}
