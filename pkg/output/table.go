package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// ServerRow is one line of the server status table.
type ServerRow struct {
	Name      string
	Status    string
	PID       int
	ToolCount int
	Owner     string
}

// ServerTable prints the status of all registered servers.
func (p *Printer) ServerTable(rows []ServerRow) {
	if len(rows) == 0 {
		p.Println("no servers registered")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())
	t.AppendHeader(table.Row{"Name", "Status", "PID", "Tools", "Owner"})

	for _, r := range rows {
		status := r.Status
		if p.isTTY {
			status = colorStatus(r.Status)
		}
		t.AppendRow(table.Row{r.Name, status, r.PID, r.ToolCount, r.Owner})
	}

	t.Render()
}

func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if !p.isTTY {
		style = table.StyleDefault
	}
	style.Options.SeparateRows = false
	return style
}
