package domain

// DefaultCatalog is the built-in menu the wizard offers when no catalog
// override is configured.
func DefaultCatalog() []Product {
	return []Product{
		{ProductID: "001", Name: "Mojarra Frita", Desc: "esta rica", PriceCents: 15000},
		{ProductID: "002", Name: "Empanada de Camaron con Queso (Orden)", Desc: "esta rica", PriceCents: 10000},
		{ProductID: "003", Name: "Empanada de Minilla (Orden)", Desc: "esta rica", PriceCents: 10000},
	}
}
