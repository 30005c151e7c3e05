package view

import (
	"time"

	"github.com/dokzlo13/fmbview/internal/openfmb"
)

// Row is one name/value line of a definition table.
type Row struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Table is the definition table of a device block.
type Table struct {
	ID   string `json:"id"`
	Rows []Row  `json:"rows"`
}

// DateFormat controls how message timestamps are printed.
type DateFormat struct {
	Location *time.Location
	Layout   string
}

// TableID returns the id of the definition table for a device.
func TableID(mrid string) string {
	return mrid + "-defs"
}

// BuildTable creates a fresh definition table for a snapshot.
func BuildTable(snap *openfmb.Snapshot, df DateFormat) Table {
	rows := make([]Row, 0, 4+len(snap.Scalars)+len(snap.Phases))
	rows = append(rows,
		Row{Name: "IED MRID", Value: snap.IEDMRID},
		Row{Name: "Message date", Value: openfmb.FormatDate(snap.Timestamp, df.Location, df.Layout)},
	)

	if snap.Equipment != nil {
		rows = append(rows,
			Row{Name: "Conducting Equipment Name", Value: snap.Equipment.Name},
			Row{Name: "Conducting Equipment MRID", Value: snap.Equipment.MRID},
		)
	}

	for _, s := range snap.Scalars {
		rows = append(rows, Row{Name: s.Name, Value: openfmb.FormatScalar(s.Value, s.Unit)})
	}

	for _, p := range snap.Phases {
		rows = append(rows, Row{
			Name:  p.Name + " " + p.Phase,
			Value: openfmb.FormatPhase(p.Magnitude, p.Angle, p.Unit),
		})
	}

	return Table{ID: TableID(snap.IEDMRID), Rows: rows}
}
