// Package sandbox generates reproducible demo master data for a dialysis
// deployment: a company with its centers, dialysis machines, patients and the
// note-type and item-type catalogs the session and inventory flows rely on.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/db"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated master data.
type SeedConfig struct {
	Centers           int   `json:"centers"`
	MachinesPerCenter int   `json:"machinesPerCenter"`
	PatientsPerCenter int   `json:"patientsPerCenter"`
	Seed              int64 `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Centers:           2,
		MachinesPerCenter: 8,
		PatientsPerCenter: 40,
	}
}

func (c SeedConfig) Validate() error {
	if c.Centers <= 0 {
		return apperr.Validation("centers must be positive, got %d", c.Centers)
	}
	if c.MachinesPerCenter <= 0 {
		return apperr.Validation("machines per center must be positive, got %d", c.MachinesPerCenter)
	}
	if c.PatientsPerCenter < 0 {
		return apperr.Validation("patients per center must not be negative, got %d", c.PatientsPerCenter)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Generated rows
// ---------------------------------------------------------------------------

type Machine struct {
	Name         string
	SerialNumber string
}

type Patient struct {
	MRN       string
	FirstName string
	LastName  string
}

type Center struct {
	Name     string
	Machines []Machine
	Patients []Patient
}

type NoteType struct {
	Name        string
	Unit        string
	IsNumeric   bool
	Min, Max    *float64
	IsMandatory bool
}

type ItemType struct {
	Name                  string
	Unit                  string
	IsIndividuallyTracked bool
	DefaultMaxUsage       *int
}

// Dataset is one generated set of master data, not yet persisted.
type Dataset struct {
	Company   string
	Centers   []Center
	NoteTypes []NoteType
	ItemTypes []ItemType
}

// SeedResult summarizes what a seed run wrote.
type SeedResult struct {
	Companies int           `json:"companies"`
	Centers   int           `json:"centers"`
	Machines  int           `json:"machines"`
	Patients  int           `json:"patients"`
	NoteTypes int           `json:"noteTypes"`
	ItemTypes int           `json:"itemTypes"`
	Duration  time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Catalogs
// ---------------------------------------------------------------------------

func bound(v float64) *float64 { return &v }
func uses(n int) *int { return &n }

var (
	machineModels = []string{"Fresenius 5008S", "Fresenius 4008S", "Nipro Surdial X", "B. Braun Dialog+", "Baxter AK 98"}

	noteTypeCatalog = []NoteType{
		{Name: "Pre-dialysis weight", Unit: "kg", IsNumeric: true, Min: bound(30), Max: bound(150), IsMandatory: true},
		{Name: "Post-dialysis weight", Unit: "kg", IsNumeric: true, Min: bound(30), Max: bound(150), IsMandatory: true},
		{Name: "Systolic blood pressure", Unit: "mmHg", IsNumeric: true, Min: bound(90), Max: bound(180), IsMandatory: true},
		{Name: "Diastolic blood pressure", Unit: "mmHg", IsNumeric: true, Min: bound(50), Max: bound(110), IsMandatory: true},
		{Name: "Heart rate", Unit: "bpm", IsNumeric: true, Min: bound(50), Max: bound(110)},
		{Name: "Body temperature", Unit: "degC", IsNumeric: true, Min: bound(36), Max: bound(38)},
		{Name: "Blood flow rate", Unit: "mL/min", IsNumeric: true, Min: bound(200), Max: bound(450)},
		{Name: "Vascular access condition", IsNumeric: false},
	}

	itemTypeCatalog = []ItemType{
		{Name: "Dialyzer", Unit: "unit", IsIndividuallyTracked: true, DefaultMaxUsage: uses(5)},
		{Name: "Blood tubing set", Unit: "unit", IsIndividuallyTracked: true, DefaultMaxUsage: uses(3)},
		{Name: "Saline 0.9% 1L", Unit: "bag"},
		{Name: "Heparin 5000 IU", Unit: "vial"},
		{Name: "AV fistula needle", Unit: "pair"},
		{Name: "Gauze pack", Unit: "pack"},
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces master data rows. The same seed yields the same
// rows.
type DataGenerator struct {
	faker   *gofakeit.Faker
	mrnSeen map[string]bool
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		faker:   gofakeit.New(uint64(seed)),
		mrnSeen: make(map[string]bool),
	}
}

func (g *DataGenerator) CompanyName() string {
	return g.faker.Company() + " Renal Care"
}

func (g *DataGenerator) CenterName() string {
	return g.faker.City() + " Dialysis Center"
}

func (g *DataGenerator) Machine(n int) Machine {
	model := g.faker.RandomString(machineModels)
	return Machine{
		Name:         fmt.Sprintf("HD-%02d %s", n, model),
		SerialNumber: strings.ToUpper(g.faker.LetterN(3)) + g.faker.Numerify("-######"),
	}
}

// Patient returns a patient with an MRN unique within this generator.
func (g *DataGenerator) Patient() Patient {
	mrn := g.faker.Numerify("MRN-########")
	for g.mrnSeen[mrn] {
		mrn = g.faker.Numerify("MRN-########")
	}
	g.mrnSeen[mrn] = true
	return Patient{
		MRN:       mrn,
		FirstName: g.faker.FirstName(),
		LastName:  g.faker.LastName(),
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder generates a Dataset and writes it in one transaction.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	pool      db.Querier
	tx        db.Transactor
	logger    zerolog.Logger
}

func NewSeeder(config SeedConfig, pool db.Querier, tx db.Transactor, logger zerolog.Logger) *Seeder {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{
		generator: NewDataGenerator(seed),
		config:    config,
		pool:      pool,
		tx:        tx,
		logger:    logger.With().Str("component", "sandbox").Logger(),
	}
}

// Generate builds the dataset in memory.
func (s *Seeder) Generate() (*Dataset, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	ds := &Dataset{
		Company:   s.generator.CompanyName(),
		NoteTypes: append([]NoteType(nil), noteTypeCatalog...),
		ItemTypes: append([]ItemType(nil), itemTypeCatalog...),
	}
	for i := 0; i < s.config.Centers; i++ {
		c := Center{Name: s.generator.CenterName()}
		for m := 1; m <= s.config.MachinesPerCenter; m++ {
			c.Machines = append(c.Machines, s.generator.Machine(m))
		}
		for p := 0; p < s.config.PatientsPerCenter; p++ {
			c.Patients = append(c.Patients, s.generator.Patient())
		}
		ds.Centers = append(ds.Centers, c)
	}
	return ds, nil
}

// Run generates a dataset and persists it.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	ds, err := s.Generate()
	if err != nil {
		return nil, err
	}
	result := &SeedResult{}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.write(ctx, ds, result)
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	s.logger.Info().Int("centers", result.Centers).Int("machines", result.Machines).
		Int("patients", result.Patients).Dur("duration", result.Duration).Msg("seed complete")
	return result, nil
}

func (s *Seeder) insert(ctx context.Context, what, sql string, args ...interface{}) (int64, error) {
	var id int64
	if err := db.Conn(ctx, s.pool).QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, apperr.Storage("insert "+what, err)
	}
	return id, nil
}

func (s *Seeder) write(ctx context.Context, ds *Dataset, result *SeedResult) error {
	companyID, err := s.insert(ctx, "company", `INSERT INTO companies (name) VALUES ($1) RETURNING id`, ds.Company)
	if err != nil {
		return err
	}
	result.Companies = 1

	machineTypeID, err := s.insert(ctx, "asset type",
		`INSERT INTO asset_types (name, is_dialysis_machine) VALUES ($1, TRUE) RETURNING id`, "Hemodialysis machine")
	if err != nil {
		return err
	}

	for _, c := range ds.Centers {
		centerID, err := s.insert(ctx, "center",
			`INSERT INTO centers (company_id, name) VALUES ($1, $2) RETURNING id`, companyID, c.Name)
		if err != nil {
			return err
		}
		result.Centers++

		for _, m := range c.Machines {
			if _, err := s.insert(ctx, "asset",
				`INSERT INTO assets (center_id, asset_type_id, name, serial_number) VALUES ($1, $2, $3, $4) RETURNING id`,
				centerID, machineTypeID, m.Name, m.SerialNumber); err != nil {
				return err
			}
			result.Machines++
		}
		for _, p := range c.Patients {
			if _, err := s.insert(ctx, "patient",
				`INSERT INTO patients (center_id, mrn, first_name, last_name) VALUES ($1, $2, $3, $4) RETURNING id`,
				centerID, p.MRN, p.FirstName, p.LastName); err != nil {
				return err
			}
			result.Patients++
		}
		s.logger.Debug().Int64("center_id", centerID).Str("center", c.Name).Msg("center seeded")
	}

	for _, nt := range ds.NoteTypes {
		var unit *string
		if nt.Unit != "" {
			unit = &nt.Unit
		}
		if _, err := s.insert(ctx, "note type",
			`INSERT INTO note_types (name, unit, is_numeric, min_value, max_value, is_mandatory)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			nt.Name, unit, nt.IsNumeric, nt.Min, nt.Max, nt.IsMandatory); err != nil {
			return err
		}
		result.NoteTypes++
	}
	for _, it := range ds.ItemTypes {
		if _, err := s.insert(ctx, "item type",
			`INSERT INTO item_types (name, unit, is_individually_tracked, default_max_usage)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			it.Name, it.Unit, it.IsIndividuallyTracked, it.DefaultMaxUsage); err != nil {
			return err
		}
		result.ItemTypes++
	}
	return nil
}
