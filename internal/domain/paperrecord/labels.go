package paperrecord

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/paperrecord/internal/domain/patient"
)

const (
	chartLabelLargeFontMax = 23
	chartLabelNameMax      = 30
	idCardNameMax          = 24
	idCardMaxIdentifiers   = 6
)

type idCardEntry struct {
	Identifier   string
	LocationName string
}

type labelData struct {
	Patient    *patient.Patient
	Identifier string
	Records    []idCardEntry
}

// labelTemplate renders one label as printer commands.
type labelTemplate interface {
	Render(d labelData) string
	Charset() string
}

type labelTemplates struct {
	record labelTemplate
	form   labelTemplate
	idCard labelTemplate
}

func defaultLabelTemplates() labelTemplates {
	return labelTemplates{
		record: zplChartLabel{form: false},
		form:   zplChartLabel{form: true},
		idCard: zplIDCardLabel{},
	}
}

func zplHeader(b *strings.Builder) {
	b.WriteString("^XA")
	b.WriteString("^CI28")  // UTF-8
	b.WriteString("^PW1300") // print width
	b.WriteString("^MTT")   // thermal transfer
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// groupIdentifier splits cut points counted from the end of the identifier,
// e.g. groupIdentifier("A000123", 6, 3) = "A 000 123".
func groupIdentifier(id string, cuts ...int) string {
	var parts []string
	end := len(id)
	prev := 0
	for _, c := range cuts {
		at := end - c
		if at < prev {
			at = prev
		}
		parts = append(parts, id[prev:at])
		prev = at
	}
	parts = append(parts, id[prev:])

	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func genderLabel(g *string) string {
	if g == nil {
		return ""
	}
	switch strings.ToUpper(*g) {
	case "M":
		return "Male"
	case "F":
		return "Female"
	}
	return *g
}

// zplChartLabel is the folder label; with form set it renders the smaller
// variant stuck on individual forms.
type zplChartLabel struct {
	form bool
}

func (zplChartLabel) Charset() string { return "UTF-8" }

func (t zplChartLabel) Render(d labelData) string {
	var b strings.Builder
	zplHeader(&b)
	p := d.Patient

	name := p.DisplayName()
	font := "V"
	if len([]rune(name)) > chartLabelLargeFontMax {
		font = "U"
	}
	name = truncateRunes(name, chartLabelNameMax)
	fmt.Fprintf(&b, "^FO080,40^A%sN^FD%s^FS", font, name)
	fmt.Fprintf(&b, "^FO080,120^AUN^FD%s^FS", p.PrimaryIdentifier)

	b.WriteString("^FO080,190^ATN^FD")
	if p.BirthDate != nil {
		b.WriteString(p.BirthDate.Format("02/Jan/2006"))
		if p.BirthDateEstimated {
			b.WriteString(" (*)")
		}
		b.WriteString(", ")
	}
	b.WriteString(genderLabel(p.Gender))
	b.WriteString("^FS")

	v := 250
	for _, line := range p.AddressLines() {
		fmt.Fprintf(&b, "^FO080,%d^ATN^FD%s^FS", v, line)
		v += 50
	}

	if t.form {
		if d.Identifier != "" {
			fmt.Fprintf(&b, "^FO680,40^FB520,1,0,R,0^AUN^FD%s^FS", d.Identifier)
		}
		fmt.Fprintf(&b, "^FO780,100^ATN^BY4^BCN,150,N^FD%s^FS", p.PrimaryIdentifier)
	} else {
		if d.Identifier != "" {
			fmt.Fprintf(&b, "^FO680,40^FB520,1,0,R,0^AUN,140,110^FD%s^FS", groupIdentifier(d.Identifier, 6, 3))
		}
		fmt.Fprintf(&b, "^FO780,160^ATN^BY4^BCN,150,N^FD%s^FS", p.PrimaryIdentifier)
	}

	b.WriteString("^XZ")
	return b.String()
}

// zplIDCardLabel lists the patient's folder identifiers in two columns, to be
// stuck on the patient's ID card.
type zplIDCardLabel struct{}

func (zplIDCardLabel) Charset() string { return "UTF-8" }

func (zplIDCardLabel) Render(d labelData) string {
	var b strings.Builder
	zplHeader(&b)
	p := d.Patient

	fmt.Fprintf(&b, "^FO100,40^AUN^FD%s^FS", truncateRunes(p.DisplayName(), idCardNameMax))
	fmt.Fprintf(&b, "^FO480,40^FB520,1,0,R,0^AUN^FD%s^FS", p.PrimaryIdentifier)

	v, h := 110, 100
	for i, r := range d.Records {
		if i == idCardMaxIdentifiers {
			break
		}
		fmt.Fprintf(&b, "^FO%d,%d^AUN^FD%s^FS", h, v, groupIdentifier(r.Identifier, 6))
		if r.LocationName != "" {
			fmt.Fprintf(&b, "^FO%d,%d^ATN^FD%s Dossier^FS", h, v+50, r.LocationName)
		}
		v += 100
		if v == 410 {
			v, h = 110, 550
		}
	}

	b.WriteString("^FO1025,10^GB0,590,10^FS") // tear line
	b.WriteString("^XZ")
	return b.String()
}

// printLabels sends count copies of one label in a single job. A count of
// zero prints nothing.
func (s *Service) printLabels(ctx context.Context, t labelTemplate, d labelData, target uuid.UUID, count int) error {
	if count <= 0 {
		return nil
	}
	payload := strings.Repeat(t.Render(d), count)
	if err := s.printer.Print(ctx, payload, t.Charset(), target, count); err != nil {
		labelsPrinted.WithLabelValues("failed").Add(float64(count))
		return fmt.Errorf("%w at location %s for patient %s: %v", ErrPrintingFailure, target, d.Patient.PrimaryIdentifier, err)
	}
	labelsPrinted.WithLabelValues("ok").Add(float64(count))
	return nil
}

func (s *Service) printRecordLabels(ctx context.Context, p *patient.Patient, identifier string, target uuid.UUID, count int) error {
	return s.printLabels(ctx, s.labels.record, labelData{Patient: p, Identifier: identifier}, target, count)
}

func (s *Service) printFormLabels(ctx context.Context, p *patient.Patient, identifier string, target uuid.UUID, count int) error {
	return s.printLabels(ctx, s.labels.form, labelData{Patient: p, Identifier: identifier}, target, count)
}

func (s *Service) printIDCardLabel(ctx context.Context, p *patient.Patient, target uuid.UUID) error {
	records, err := s.store.FindRecords(ctx, p.ID, nil)
	if err != nil {
		return err
	}
	var entries []idCardEntry
	for _, r := range records {
		if r.Identifier == "" {
			continue
		}
		e := idCardEntry{Identifier: r.Identifier}
		if loc, err := s.locations.Get(ctx, r.RecordLocationID); err == nil {
			e.LocationName = loc.Name
		}
		entries = append(entries, e)
	}
	return s.printLabels(ctx, s.labels.idCard, labelData{Patient: p, Records: entries}, target, 1)
}

// printRecordLabelSet prints everything needed for a new folder: the folder
// label, its form labels and an ID card label.
func (s *Service) printRecordLabelSet(ctx context.Context, p *patient.Patient, identifier string, target uuid.UUID) error {
	if err := s.printRecordLabels(ctx, p, identifier, target, 1); err != nil {
		return err
	}
	if err := s.printFormLabels(ctx, p, identifier, target, s.cfg.FormLabelsOnCreate); err != nil {
		return err
	}
	return s.printIDCardLabel(ctx, p, target)
}

func (s *Service) requestForPrinting(ctx context.Context, requestID, locationID uuid.UUID) (*Request, *patient.Patient, error) {
	if locationID == uuid.Nil {
		return nil, nil, invalidInput("print location is required")
	}
	q, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.patient(ctx, q.PatientID)
	if err != nil {
		return nil, nil, err
	}
	return q, p, nil
}

func (s *Service) PrintRecordLabels(ctx context.Context, requestID, locationID uuid.UUID, count int) error {
	q, p, err := s.requestForPrinting(ctx, requestID, locationID)
	if err != nil {
		return err
	}
	return s.printRecordLabels(ctx, p, q.Identifier, locationID, count)
}

func (s *Service) PrintFormLabels(ctx context.Context, requestID, locationID uuid.UUID, count int) error {
	q, p, err := s.requestForPrinting(ctx, requestID, locationID)
	if err != nil {
		return err
	}
	return s.printFormLabels(ctx, p, q.Identifier, locationID, count)
}

func (s *Service) PrintRecordLabelSet(ctx context.Context, requestID, locationID uuid.UUID) error {
	q, p, err := s.requestForPrinting(ctx, requestID, locationID)
	if err != nil {
		return err
	}
	return s.printRecordLabelSet(ctx, p, q.Identifier, locationID)
}

func (s *Service) PrintIDCardLabel(ctx context.Context, patientID, locationID uuid.UUID) error {
	if locationID == uuid.Nil {
		return invalidInput("print location is required")
	}
	p, err := s.patient(ctx, patientID)
	if err != nil {
		return err
	}
	return s.printIDCardLabel(ctx, p, locationID)
}
