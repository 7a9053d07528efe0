package models

const (
	ProductActive   = "active"
	ProductInactive = "inactive"
)

// Product is the catalog's view of a sellable plan as far as downloads care:
// where its source asset lives and whether it may be served at all.
type Product struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	AssetKey string `json:"asset_key"`
	Status   string `json:"status"`
}

func (p *Product) Active() bool {
	return p != nil && p.Status != ProductInactive
}
