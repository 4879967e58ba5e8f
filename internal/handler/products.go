package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/patitas/storefront/internal/domain/product"
)

type productJSON struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	CurrentPrice float64  `json:"currentPrice"`
	OldPrice     *float64 `json:"oldPrice,omitempty"`
	Image        string   `json:"image,omitempty"`
	Rating       float64  `json:"rating"`
	Stock        int      `json:"stock"`
	Category     string   `json:"category"`
}

func toProductJSON(p *product.Product) productJSON {
	out := productJSON{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		CurrentPrice: p.CurrentPrice.InexactFloat64(),
		Image:        p.ImageURL,
		Rating:       p.Rating.InexactFloat64(),
		Stock:        p.StockQuantity,
		Category:     p.Category,
	}
	if p.OldPrice.Valid {
		old := p.OldPrice.Decimal.InexactFloat64()
		out.OldPrice = &old
	}
	return out
}

type productInputJSON struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	CurrentPrice decimal.Decimal  `json:"currentPrice"`
	OldPrice     *decimal.Decimal `json:"oldPrice"`
	Image        string           `json:"image"`
	Rating       decimal.Decimal  `json:"rating"`
	Stock        int              `json:"stock"`
	Category     string           `json:"category"`
}

func (in productInputJSON) toInput() product.Input {
	out := product.Input{
		Name:          in.Name,
		Description:   in.Description,
		CurrentPrice:  in.CurrentPrice,
		ImageURL:      in.Image,
		Rating:        in.Rating,
		StockQuantity: in.Stock,
		Category:      in.Category,
	}
	if in.OldPrice != nil {
		out.OldPrice = decimal.NewNullDecimal(*in.OldPrice)
	}
	return out
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	products, err := h.products.List(r.Context(), product.Filter{
		Category: q.Get("category"),
		Query:    q.Get("q"),
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out := make([]productJSON, len(products))
	for i := range products {
		out[i] = toProductJSON(&products[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	p, err := h.products.Get(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductJSON(p))
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var in productInputJSON
	if err := readJSON(w, r, &in); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	p, err := h.products.Create(r.Context(), in.toInput())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductJSON(p))
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	var in productInputJSON
	if err := readJSON(w, r, &in); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	p, err := h.products.Update(r.Context(), id, in.toInput())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductJSON(p))
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := h.products.Delete(r.Context(), id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
