// Package sandbox provides in-memory implementations of every external collaborator,
// seeded with a small laboratory-supplies marketplace, for local runs and demos.
package sandbox

import (
	"log/slog"
	"time"

	"github.com/songzhibin97/procurement-engine/agent"
	"github.com/songzhibin97/procurement-engine/approval"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/types"
)

// Sandbox bundles the in-memory collaborators.
type Sandbox struct {
	Budget       *Budget
	Orders       *Orders
	Notifier     *Notifier
	Invoices     *Invoices
	Contracts    *Contracts
	Receipts     *Receipts
	Catalog      *Catalog
	Vendors      *Vendors
	Requisitions *Requisitions
	Alerts       *Alerts
}

// New returns an empty sandbox. now drives price history windows; nil means time.Now.
func New(now func() time.Time, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		Budget:       NewBudget(),
		Orders:       NewOrders(),
		Notifier:     NewNotifier(logger),
		Invoices:     NewInvoices(),
		Contracts:    NewContracts(),
		Receipts:     NewReceipts(),
		Catalog:      NewCatalog(now),
		Vendors:      NewVendors(),
		Requisitions: NewRequisitions(250000, "firearm", "controlled substance"),
		Alerts:       NewAlerts(),
	}
}

// Collaborators returns the workflow collaborators.
func (s *Sandbox) Collaborators() procurement.Collaborators {
	return procurement.Collaborators{
		Budget:    s.Budget,
		Orders:    s.Orders,
		Notifier:  s.Notifier,
		Invoices:  s.Invoices,
		POs:       s.Orders,
		Contracts: s.Contracts,
		Receipts:  s.Receipts,
		Catalogs:  s.Catalog,
		Reviews:   s.Contracts,
	}
}

// Backends returns the toolbox backends, with approvals served by svc.
func (s *Sandbox) Backends(svc agent.Approvals, dir *approval.Directory) agent.Backends {
	if dir == nil {
		dir = approval.DefaultDirectory()
	}
	return agent.Backends{
		Catalog:      s.Catalog,
		Vendors:      s.Vendors,
		Requisitions: s.Requisitions,
		Alerts:       s.Alerts,
		Budget:       s.Budget,
		Notifier:     s.Notifier,
		Approvals:    svc,
		Directory:    dir,
	}
}

// Seed loads the demo marketplace. Price history is laid out backwards from now.
func (s *Sandbox) Seed(now time.Time) {
	s.Budget.Set("CHEM-4410", 150000)
	s.Budget.Set("BIO-2200", 20000)
	s.Budget.Set("PHYS-1010", 2500)

	s.Catalog.AddProduct(types.Product{
		ID: "prod-tips-200", Name: "Pipette Tips 200uL", SKU: "TIPS-200", Category: "lab_supplies",
		Unit: "rack of 96", Description: "sterile filtered pipette tips",
	},
		types.Listing{VendorID: "vendor_fisher", UnitPrice: 12.40, ShippingCost: 9.95, MinOrder: 1, LeadTimeDays: 3, Contract: true},
		types.Listing{VendorID: "vendor_vwr", UnitPrice: 11.85, ShippingCost: 14.50, MinOrder: 10, LeadTimeDays: 5},
		types.Listing{VendorID: "vendor_greenlab", UnitPrice: 12.10, ShippingCost: 0, MinOrder: 5, LeadTimeDays: 7},
	)
	s.Catalog.AddProduct(types.Product{
		ID: "prod-gloves-m", Name: "Nitrile Gloves Medium", SKU: "GLOVES-M", Category: "lab_supplies",
		Unit: "box of 100", Description: "powder free nitrile exam gloves",
	},
		types.Listing{VendorID: "vendor_fisher", UnitPrice: 8.75, ShippingCost: 6.00, MinOrder: 1, LeadTimeDays: 2, Contract: true},
		types.Listing{VendorID: "vendor_vwr", UnitPrice: 9.10, ShippingCost: 0, MinOrder: 1, LeadTimeDays: 4},
	)
	s.Catalog.AddProduct(types.Product{
		ID: "prod-beaker-250", Name: "Glass Beaker 250mL", SKU: "BEAKER-250", Category: "glassware",
		Unit: "each", Description: "borosilicate glass griffin beaker",
	},
		types.Listing{VendorID: "vendor_fisher", UnitPrice: 6.20, ShippingCost: 12.00, MinOrder: 6, LeadTimeDays: 3, Contract: true},
		types.Listing{VendorID: "vendor_greenlab", UnitPrice: 5.95, ShippingCost: 15.00, MinOrder: 12, LeadTimeDays: 6},
	)
	s.Catalog.AddProduct(types.Product{
		ID: "prod-centrifuge", Name: "Benchtop Centrifuge", SKU: "CENT-5810", Category: "equipment",
		Unit: "each", Description: "refrigerated benchtop centrifuge with swing bucket rotor",
	},
		types.Listing{VendorID: "vendor_fisher", UnitPrice: 18950, ShippingCost: 450, MinOrder: 1, LeadTimeDays: 21},
		types.Listing{VendorID: "vendor_vwr", UnitPrice: 19400, ShippingCost: 0, MinOrder: 1, LeadTimeDays: 14},
	)

	tips := []float64{11.20, 11.35, 11.50, 11.80, 12.05, 12.40}
	gloves := []float64{9.40, 9.20, 9.05, 8.90, 8.80, 8.75}
	for i := range tips {
		at := now.AddDate(0, -(len(tips) - 1 - i), 0)
		s.Catalog.AddPrices(
			types.PricePoint{ProductID: "prod-tips-200", VendorID: "vendor_fisher", Price: tips[i], At: at},
			types.PricePoint{ProductID: "prod-gloves-m", VendorID: "vendor_fisher", Price: gloves[i], At: at},
		)
	}
	s.Catalog.SetBenchmark(types.Benchmark{ProductID: "prod-tips-200", Median: 11.95, P25: 11.40, P75: 12.60, Universities: 14})
	s.Catalog.SetBenchmark(types.Benchmark{ProductID: "prod-gloves-m", Median: 8.95, P25: 8.60, P75: 9.30, Universities: 17})

	s.Vendors.Add(
		types.Vendor{ID: "vendor_fisher", Name: "Fisher Scientific", Categories: []string{"lab_supplies", "glassware", "equipment"}},
		types.VendorScore{Price: 78, Quality: 92, Delivery: 90, Service: 85, Compliance: 98, Strategic: 80},
		types.VendorRisk{Level: "low", Score: 12},
		types.VendorPerformance{Orders: 412, OnTimeRate: 0.96, DefectRate: 0.004, InvoiceAccuracy: 0.99},
	)
	s.Vendors.Add(
		types.Vendor{ID: "vendor_vwr", Name: "VWR International", Categories: []string{"lab_supplies", "equipment"}},
		types.VendorScore{Price: 84, Quality: 88, Delivery: 82, Service: 80, Compliance: 95, Strategic: 70},
		types.VendorRisk{Level: "low", Score: 18},
		types.VendorPerformance{Orders: 230, OnTimeRate: 0.91, DefectRate: 0.007, InvoiceAccuracy: 0.97},
	)
	s.Vendors.Add(
		types.Vendor{ID: "vendor_greenlab", Name: "GreenLab Supply Co.", Categories: []string{"lab_supplies", "glassware"}, Diversity: []string{"MWBE", "SBE"}},
		types.VendorScore{Price: 88, Quality: 84, Delivery: 76, Service: 90, Compliance: 92, Strategic: 95},
		types.VendorRisk{Level: "medium", Score: 41, Factors: []string{"single distribution center", "limited credit history"}},
		types.VendorPerformance{Orders: 58, OnTimeRate: 0.87, DefectRate: 0.01, InvoiceAccuracy: 0.95},
	)

	s.Contracts.Set("vendor_fisher", "TIPS-200", 12.40)
	s.Contracts.Set("vendor_fisher", "GLOVES-M", 8.75)
	s.Contracts.Set("vendor_fisher", "BEAKER-250", 6.20)
	s.Contracts.SetPerformance(types.ContractPerformance{
		ContractID: "CTR-FISHER-2023", VendorID: "vendor_fisher",
		Commitment: 100000, Spend: 85000,
		PriceCompliance: 0.98, OnTimeDelivery: 0.95, QualityScore: 4.5,
		EndsAt: now.AddDate(0, 2, 0),
	})

	s.Catalog.SetFeed(types.VendorFeed{VendorID: "vendor_fisher", Items: []types.FeedItem{
		{SKU: "TIPS-200", Name: "Pipette Tips 200uL", UnitPrice: 13.20},
		{SKU: "GLOVES-M", Name: "Nitrile Gloves Medium", UnitPrice: 8.75},
		{SKU: "BEAKER-250", Discontinued: true},
		{SKU: "CENT-5810", Name: "Benchtop Centrifuge", UnitPrice: 18950},
		{SKU: "FLASK-500", Name: "Erlenmeyer Flask 500mL", Category: "glassware", Unit: "each", UnitPrice: 9.40},
	}})

	s.Orders.AddPO(types.PurchaseOrder{Number: "PO-100231", VendorID: "vendor_fisher", Lines: []types.POLine{
		{SKU: "TIPS-200", Quantity: 40, UnitPrice: 12.40},
		{SKU: "GLOVES-M", Quantity: 20, UnitPrice: 8.75},
	}})
	s.Receipts.Receive("PO-100231", "TIPS-200", 40)
	s.Receipts.Receive("PO-100231", "GLOVES-M", 20)
	s.Invoices.Add(types.Invoice{
		ID: "INV-100231", Number: "F-88213", VendorID: "vendor_fisher", PONumber: "PO-100231", Total: 671.00,
		LineItems: []types.InvoiceLine{
			{SKU: "TIPS-200", Quantity: 40, UnitPrice: 12.40},
			{SKU: "GLOVES-M", Quantity: 20, UnitPrice: 8.75},
		},
	})
	s.Invoices.Add(types.Invoice{
		ID: "INV-100232", Number: "F-88214", VendorID: "vendor_fisher", PONumber: "PO-100231", Total: 714.00,
		LineItems: []types.InvoiceLine{
			{SKU: "TIPS-200", Quantity: 40, UnitPrice: 13.10},
			{SKU: "GLOVES-M", Quantity: 25, UnitPrice: 8.75},
		},
	})
}
