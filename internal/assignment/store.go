package assignment

import (
	"context"
	"database/sql"
	"fmt"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/models"

	"github.com/uptrace/bun"
)

// Store is the datastore surface of the engine. Each Assign* call is one unit
// of work and must commit or roll back as a whole.
type Store interface {
	// Ecoregions lists the catalog in ascending eco_id order.
	Ecoregions(ctx context.Context) ([]models.EcoregionRef, error)
	// AssignByContainment binds every unassigned tile whose center lies in the
	// ecoregion polygon and returns the number of tiles updated.
	AssignByContainment(ctx context.Context, eco models.EcoregionRef) (int, error)
	// UnassignedAfter pages unassigned geohashes in ascending order.
	UnassignedAfter(ctx context.Context, after string, limit int) ([]string, error)
	// AssignBoundaryBatch binds each of the given tiles that is still
	// unassigned to its largest-overlap ecoregion.
	AssignBoundaryBatch(ctx context.Context, geohashes []string) (int, error)
	Status(ctx context.Context) (Status, error)
	Coverage(ctx context.Context) (Coverage, error)
}

// Status counts tiles by assignment state.
type Status struct {
	Total      int `bun:"total" json:"total"`
	Assigned   int `bun:"assigned" json:"assigned"`
	Unassigned int `bun:"unassigned" json:"unassigned"`
}

// Rate is the assigned share in percent.
func (s Status) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Assigned) * 100 / float64(s.Total)
}

// Coverage counts the distinct regions referenced by assigned tiles.
type Coverage struct {
	Ecoregions int `bun:"ecoregions" json:"ecoregions"`
	Biomes     int `bun:"biomes" json:"biomes"`
	Realms     int `bun:"realms" json:"realms"`
}

// Candidate is one ecoregion overlapping a boundary tile.
type Candidate struct {
	models.EcoregionRef
	Geohash string  `bun:"geohash"`
	Area    float64 `bun:"area"`
}

// SelectPrimary returns the candidate with the largest intersection area.
// Candidates must be in ascending eco_id order; on equal areas the first one
// wins, so the choice is stable across runs.
func SelectPrimary(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Area > best.Area {
			best = c
		}
	}
	return best, best.Area > 0
}

// PGStore implements Store on PostGIS.
type PGStore struct {
	db bun.IDB
}

func NewPGStore(db bun.IDB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ecoregions(ctx context.Context) ([]models.EcoregionRef, error) {
	var out []models.EcoregionRef
	err := s.db.NewSelect().
		Model((*models.Ecoregion)(nil)).
		Column("eco_id", "eco_name", "biome_name", "realm").
		OrderExpr("e.eco_id ASC").
		Scan(ctx, &out)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	return out, nil
}

func (s *PGStore) AssignByContainment(ctx context.Context, eco models.EcoregionRef) (int, error) {
	var affected int64
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewRaw(`
			UPDATE tiles AS t
			SET eco_id = e.eco_id, eco_name = e.eco_name, biome_name = e.biome_name, realm = e.realm
			FROM ecoregions AS e
			WHERE e.eco_id = ?
			  AND t.eco_id IS NULL
			  AND t.geometry && e.geometry
			  AND ST_Contains(e.geometry, t.center_point)`, eco.EcoID).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, apperr.Datastore(err)
	}
	return int(affected), nil
}

func (s *PGStore) UnassignedAfter(ctx context.Context, after string, limit int) ([]string, error) {
	var out []string
	err := s.db.NewSelect().
		Model((*models.Tile)(nil)).
		Column("geohash").
		Where("t.eco_id IS NULL").
		Where("t.geohash > ?", after).
		OrderExpr("t.geohash ASC").
		Limit(limit).
		Scan(ctx, &out)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	return out, nil
}

func (s *PGStore) AssignBoundaryBatch(ctx context.Context, geohashes []string) (int, error) {
	if len(geohashes) == 0 {
		return 0, nil
	}
	assigned := 0
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var candidates []Candidate
		err := tx.NewRaw(`
			SELECT t.geohash, e.eco_id, e.eco_name, e.biome_name, e.realm,
			       ST_Area(ST_Intersection(t.geometry, e.geometry)) AS area
			FROM tiles AS t
			JOIN ecoregions AS e ON ST_Intersects(t.geometry, e.geometry)
			WHERE t.geohash IN (?) AND t.eco_id IS NULL
			ORDER BY t.geohash ASC, e.eco_id ASC`, bun.In(geohashes)).
			Scan(ctx, &candidates)
		if err != nil {
			return err
		}

		for _, group := range groupByGeohash(candidates) {
			best, ok := SelectPrimary(group)
			if !ok {
				continue
			}
			res, err := tx.NewUpdate().
				Model((*models.Tile)(nil)).
				Set("eco_id = ?", best.EcoID).
				Set("eco_name = ?", best.EcoName).
				Set("biome_name = ?", best.BiomeName).
				Set("realm = ?", best.Realm).
				Where("geohash = ?", best.Geohash).
				Where("eco_id IS NULL").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("assign %s: %w", best.Geohash, err)
			}
			n, _ := res.RowsAffected()
			assigned += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Datastore(err)
	}
	return assigned, nil
}

// groupByGeohash splits candidates sorted by geohash into per-tile runs.
func groupByGeohash(candidates []Candidate) [][]Candidate {
	var groups [][]Candidate
	for i := 0; i < len(candidates); {
		j := i + 1
		for j < len(candidates) && candidates[j].Geohash == candidates[i].Geohash {
			j++
		}
		groups = append(groups, candidates[i:j])
		i = j
	}
	return groups
}

func (s *PGStore) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.db.NewSelect().
		Model((*models.Tile)(nil)).
		ColumnExpr("COUNT(*) AS total").
		ColumnExpr("COUNT(t.eco_id) AS assigned").
		ColumnExpr("COUNT(*) - COUNT(t.eco_id) AS unassigned").
		Scan(ctx, &st)
	if err != nil {
		return Status{}, apperr.Datastore(err)
	}
	return st, nil
}

func (s *PGStore) Coverage(ctx context.Context) (Coverage, error) {
	var c Coverage
	err := s.db.NewSelect().
		Model((*models.Tile)(nil)).
		ColumnExpr("COUNT(DISTINCT t.eco_id) AS ecoregions").
		ColumnExpr("COUNT(DISTINCT t.biome_name) AS biomes").
		ColumnExpr("COUNT(DISTINCT t.realm) AS realms").
		Where("t.eco_id IS NOT NULL").
		Scan(ctx, &c)
	if err != nil {
		return Coverage{}, apperr.Datastore(err)
	}
	return c, nil
}
