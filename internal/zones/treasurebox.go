package zones

// TreasureBox keeps running coin totals per entity, per zone, and globally.
// Totals only ever increase; per-tick deltas are recoverable by subtracting
// consecutive values of the cumulative coin series.
//
// TreasureBox is not safe for concurrent use; the session orchestrator owns it
// under its single-writer discipline.
type TreasureBox struct {
	perEntity map[string]float64
	perZone   map[ID]float64
	total     float64
}

// NewTreasureBox returns an empty box.
func NewTreasureBox() *TreasureBox {
	return &TreasureBox{
		perEntity: make(map[string]float64),
		perZone:   make(map[ID]float64),
	}
}

// Accrue adds the zone's coin rate to the entity's running total and the
// global total, returning the entity's new total.
func (b *TreasureBox) Accrue(zone Zone, entityID string) float64 {
	b.perEntity[entityID] += zone.CoinRate
	b.perZone[zone.ID] += zone.CoinRate
	b.total += zone.CoinRate
	return b.perEntity[entityID]
}

// EntityTotal returns the entity's running coin total.
func (b *TreasureBox) EntityTotal(entityID string) float64 {
	return b.perEntity[entityID]
}

// Total returns the session-wide coin total.
func (b *TreasureBox) Total() float64 {
	return b.total
}

// PerZone returns a copy of the per-zone totals.
func (b *TreasureBox) PerZone() map[ID]float64 {
	out := make(map[ID]float64, len(b.perZone))
	for id, coins := range b.perZone {
		out[id] = coins
	}
	return out
}

// Transfer moves one entity's running total onto another. Used by the
// grace-period device handoff so the successor entity continues where the
// predecessor left off. Global and per-zone totals are unchanged.
func (b *TreasureBox) Transfer(fromEntityID, toEntityID string) {
	if fromEntityID == toEntityID {
		return
	}
	b.perEntity[toEntityID] += b.perEntity[fromEntityID]
	delete(b.perEntity, fromEntityID)
}
