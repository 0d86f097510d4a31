package expense

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	newExpense := func(id string) *Expense {
		return &Expense{
			ID:          id,
			Merchant:    "Store X",
			Amount:      550,
			Category:    "Meals",
			Date:        "2024-03-20",
			Status:      StatusPending,
			SubmittedAt: time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC),
			UpdatedAt:   time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC),
		}
	}

	Describe("SaveExpense and GetExpense", func() {
		It("should round trip an expense", func() {
			Expect(db.SaveExpense(newExpense("e1"))).To(Succeed())

			got, err := db.GetExpense("e1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(newExpense("e1")))
		})

		It("should overwrite an existing expense", func() {
			e := newExpense("e1")
			Expect(db.SaveExpense(e)).To(Succeed())
			e.Status = StatusApproved
			Expect(db.SaveExpense(e)).To(Succeed())

			got, err := db.GetExpense("e1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusApproved))
		})
	})

	Describe("GetExpense", func() {
		It("should return ErrNotFound for a missing ID", func() {
			_, err := db.GetExpense("missing")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListExpenses", func() {
		It("should return an empty list for a new database", func() {
			expenses, err := db.ListExpenses()
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).NotTo(BeNil())
			Expect(expenses).To(BeEmpty())
		})

		It("should return every stored expense", func() {
			Expect(db.SaveExpense(newExpense("e1"))).To(Succeed())
			Expect(db.SaveExpense(newExpense("e2"))).To(Succeed())

			expenses, err := db.ListExpenses()
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(HaveLen(2))
		})
	})

	Describe("DeleteExpense", func() {
		It("should remove the expense", func() {
			Expect(db.SaveExpense(newExpense("e1"))).To(Succeed())
			Expect(db.DeleteExpense("e1")).To(Succeed())

			_, err := db.GetExpense("e1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("should not fail for a missing ID", func() {
			Expect(db.DeleteExpense("missing")).To(Succeed())
		})
	})

	Describe("persistence", func() {
		It("should keep expenses across reopen", func() {
			Expect(db.SaveExpense(newExpense("e1"))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			got, err := db.GetExpense("e1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Merchant).To(Equal("Store X"))
		})
	})
})
