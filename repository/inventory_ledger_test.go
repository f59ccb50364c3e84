package repository_test

import (
	"context"
	"regexp"
	"testing"

	"reconciliation-service/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deductSQL    = `UPDATE "products" SET .*"stock_quantity"=GREATEST\(stock_quantity - \$\d+, 0\).* WHERE \(id = \$\d+ AND manage_stock AND NOT infinite_stock\) AND \(stock_quantity >= \$\d+ OR allow_backorders\)`
	countOnlySQL = `UPDATE "products" SET "purchase_count"=purchase_count \+ \$\d+.* WHERE id = \$\d+ AND \(NOT manage_stock OR infinite_stock\)`
	restoreSQL   = `UPDATE "products" SET "purchase_count"=CASE WHEN manage_stock AND NOT infinite_stock THEN GREATEST\(purchase_count - \$\d+, 0\) ELSE purchase_count END,"stock_quantity"=CASE WHEN manage_stock AND NOT infinite_stock THEN stock_quantity \+ \$\d+ ELSE stock_quantity END.* WHERE id = \$\d+`
)

func TestGormLedgerDeduct_Deducted(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(deductSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := ledger.Deduct(context.Background(), uuid.New(), 3)
	require.NoError(t, err)
	assert.Equal(t, repository.Deducted, out.Status)
}

func TestGormLedgerDeduct_UntrackedCountsOnly(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(deductSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(countOnlySQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := ledger.Deduct(context.Background(), uuid.New(), 2)
	require.NoError(t, err)
	assert.Equal(t, repository.CountedOnly, out.Status)
}

func TestGormLedgerDeduct_Insufficient(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)
	productID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(deductSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(countOnlySQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id","stock_quantity" FROM "products" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stock_quantity"}).AddRow(productID, 2))

	out, err := ledger.Deduct(context.Background(), productID, 10)
	require.NoError(t, err)
	assert.Equal(t, repository.Insufficient, out.Status)
	assert.Equal(t, 2, out.Available)
}

func TestGormLedgerDeduct_ProductMissing(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(deductSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(countOnlySQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id","stock_quantity" FROM "products"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stock_quantity"}))

	out, err := ledger.Deduct(context.Background(), uuid.New(), 1)
	require.NoError(t, err)
	assert.Equal(t, repository.ProductMissing, out.Status)
}

func TestGormLedgerRestore_Missing(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "products" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := ledger.Restore(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGormLedgerRestore_OnlyTrackedProductsGiveBack(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	ledger := repository.NewGormInventoryLedger(gormDB)
	productID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(restoreSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ledger.Restore(context.Background(), productID, 2))
}
