package bill

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bill-extractor/internal/fraud"
	"github.com/zombor/bill-extractor/internal/reconcile"
	"github.com/zombor/bill-extractor/internal/scanning"
)

var _ = Describe("BoltDB", func() {
	var (
		db         *BoltDB
		extraction *Extraction
	)

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())

		extraction = &Extraction{
			ID:          "test-id",
			Source:      "https://example.com/bill.pdf",
			Filename:    "test-id_bill.pdf",
			ContentType: "application/pdf",
			PageCount:   2,
			Fraud: []fraud.PageReport{
				fraud.NewReport(false, false, false),
				fraud.NewReport(true, false, true),
			},
			TokenUsage: scanning.TokenUsage{TotalTokens: 30, InputTokens: 20, OutputTokens: 10},
			Data: reconcile.ExtractionRecord{
				Pages: []reconcile.PageRecord{{
					PageNumber: "1",
					PageType:   reconcile.PageTypeFinalBill,
					Items:      []reconcile.BillItem{{Name: "Room rent", Amount: 4000, Rate: 2000, Quantity: 2}},
				}},
				TotalItemCount: 1,
			},
			CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		}
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("SaveExtraction and GetExtraction", func() {
		BeforeEach(func() {
			Expect(db.SaveExtraction(extraction)).To(Succeed())
		})

		It("round-trips the extraction", func() {
			saved, err := db.GetExtraction("test-id")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved).To(Equal(extraction))
		})

		It("keeps the fraud flags in page order", func() {
			saved, err := db.GetExtraction("test-id")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Fraud[0].RiskLevel).To(Equal(fraud.RiskLow))
			Expect(saved.Fraud[1].RiskLevel).To(Equal(fraud.RiskHigh))
		})

		It("overwrites an extraction saved under the same ID", func() {
			extraction.Source = ""
			Expect(db.SaveExtraction(extraction)).To(Succeed())
			saved, err := db.GetExtraction("test-id")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Source).To(BeEmpty())
		})
	})

	Describe("SaveExtraction", func() {
		It("rejects an extraction without an ID", func() {
			Expect(db.SaveExtraction(&Extraction{})).To(MatchError("extraction has no ID"))
		})
	})

	Describe("GetExtraction", func() {
		It("returns an error for an unknown ID", func() {
			_, err := db.GetExtraction("missing")
			Expect(err).To(MatchError("extraction not found: missing"))
		})
	})

	Describe("ListExtractions", func() {
		When("the bucket is empty", func() {
			It("returns an empty list", func() {
				extractions, err := db.ListExtractions()
				Expect(err).NotTo(HaveOccurred())
				Expect(extractions).NotTo(BeNil())
				Expect(extractions).To(BeEmpty())
			})
		})

		When("extractions exist", func() {
			BeforeEach(func() {
				Expect(db.SaveExtraction(extraction)).To(Succeed())
				Expect(db.SaveExtraction(&Extraction{ID: "another-id"})).To(Succeed())
			})

			It("returns all of them in reverse key order", func() {
				extractions, err := db.ListExtractions()
				Expect(err).NotTo(HaveOccurred())
				Expect(extractions).To(HaveLen(2))
				Expect(extractions[0].ID).To(Equal("test-id"))
				Expect(extractions[1].ID).To(Equal("another-id"))
			})
		})

		When("IDs come from the service generator", func() {
			var ids []string

			BeforeEach(func() {
				gen := &uuidGenerator{}
				ids = nil
				for i := 0; i < 5; i++ {
					id := gen.Generate()
					ids = append(ids, id)
					Expect(db.SaveExtraction(&Extraction{ID: id})).To(Succeed())
					// UUIDv7 orders by millisecond
					time.Sleep(2 * time.Millisecond)
				}
			})

			It("lists the newest extraction first", func() {
				extractions, err := db.ListExtractions()
				Expect(err).NotTo(HaveOccurred())
				listed := make([]string, len(extractions))
				for i, e := range extractions {
					listed[i] = e.ID
				}
				Expect(listed).To(Equal([]string{ids[4], ids[3], ids[2], ids[1], ids[0]}))
			})
		})
	})

	Describe("DeleteExtraction", func() {
		BeforeEach(func() {
			Expect(db.SaveExtraction(extraction)).To(Succeed())
		})

		It("removes the extraction", func() {
			Expect(db.DeleteExtraction("test-id")).To(Succeed())
			_, err := db.GetExtraction("test-id")
			Expect(err).To(HaveOccurred())
		})

		It("ignores an unknown ID", func() {
			Expect(db.DeleteExtraction("missing")).To(Succeed())
		})
	})
})
