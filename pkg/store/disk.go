package store

// Usage is the capacity of the filesystem a store lives on.
type Usage struct {
	Total     uint64
	Available uint64
}

// UsedPct returns the used share of the filesystem in percent.
func (u Usage) UsedPct() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Total-u.Available) / float64(u.Total) * 100
}
