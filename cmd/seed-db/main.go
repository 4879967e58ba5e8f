// Command seed-db applies migrations, loads the product catalog and
// provisions an admin API key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/patitas/storefront/internal/domain/auth"
	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/storage/postgres"
)

// productJSON is the seed file format. Prices are decimal strings.
type productJSON struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	CurrentPrice decimal.Decimal  `json:"currentPrice"`
	OldPrice     *decimal.Decimal `json:"oldPrice"`
	Image        string           `json:"image"`
	Rating       decimal.Decimal  `json:"rating"`
	Stock        int              `json:"stock"`
	Category     string           `json:"category"`
}

func (p productJSON) toProduct() (product.Product, error) {
	in := product.Input{
		Name:          p.Name,
		Description:   p.Description,
		CurrentPrice:  p.CurrentPrice,
		ImageURL:      p.Image,
		Rating:        p.Rating,
		StockQuantity: p.Stock,
		Category:      p.Category,
	}
	if p.OldPrice != nil {
		in.OldPrice = decimal.NewNullDecimal(*p.OldPrice)
	}
	if p.ID <= 0 {
		return product.Product{}, errors.Errorf("product %q: id must be positive", p.Name)
	}
	if err := in.Validate(); err != nil {
		return product.Product{}, errors.Wrapf(err, "product %d", p.ID)
	}
	return in.Build(p.ID), nil
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or STOREFRONT_DATABASE_URL / DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file, optionally gzipped (.json.gz)")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or STOREFRONT_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.Parse()

	databaseURL = firstNonEmpty(databaseURL, os.Getenv("STOREFRONT_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or STOREFRONT_DATABASE_URL")
		os.Exit(1)
	}
	apiKey = firstNonEmpty(apiKey, os.Getenv("STOREFRONT_SEED_API_KEY"))
	apiKeyPepper = firstNonEmpty(apiKeyPepper, os.Getenv("STOREFRONT_API_KEY_PEPPER"))
	if apiKey != "" && apiKeyPepper == "" {
		slog.Error("API key pepper is required when seeding a key: set --api-key-pepper or STOREFRONT_API_KEY_PEPPER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("running migrations")

	if err := postgres.RunMigrations(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	products, err := readProducts(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	if err := postgres.NewProductRepository(pool).Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if apiKey == "" {
		slog.Warn("no API key given, skipping admin key")
		return nil
	}
	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func readProducts(path string) ([]product.Product, error) {
	slog.Info("reading products file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open products file")
	}
	defer func() { _ = f.Close() }()

	return decodeProducts(f, strings.HasSuffix(path, ".gz"))
}

func decodeProducts(r io.Reader, gzipped bool) ([]product.Product, error) {
	if gzipped {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	var raw []productJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	seen := make(map[int64]struct{}, len(raw))
	products := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		if _, dup := seen[p.ID]; dup {
			return nil, errors.Errorf("duplicate product id %d", p.ID)
		}
		seen[p.ID] = struct{}{}

		prod, err := p.toProduct()
		if err != nil {
			return nil, err
		}
		products = append(products, prod)
	}
	return products, nil
}

type apiKeyStore interface {
	Upsert(ctx context.Context, info auth.APIKeyInfo) error
}

func seedAPIKey(ctx context.Context, store apiKeyStore, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	info := auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKey(apiKey, []byte(pepper)),
		Name:    "Storefront admin",
		Scopes:  []string{auth.ScopeCatalogWrite, auth.ScopeOrdersAdmin},
	}
	if err := store.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert admin API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.Any("scopes", info.Scopes))

	return nil
}
