package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bankfisc/internal/ledger/handler/mocks"
	"bankfisc/internal/ledger/models"
	dErrors "bankfisc/pkg/domain-errors"
	"bankfisc/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/ledger-mocks.go -package=mocks Service
type LedgerHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  http.Handler
}

func TestLedgerHandlerSuite(t *testing.T) {
	suite.Run(t, new(LedgerHandlerSuite))
}

func (s *LedgerHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := chi.NewRouter()
	New(s.service, logger, nil).Register(r)
	s.router = r
}

func sampleClient(id string, ron, eur string) *models.Client {
	c := models.NewClient(id, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	c.RON.Balance = decimal.RequireFromString(ron)
	c.EUR.Balance = decimal.RequireFromString(eur)
	return c
}

func (s *LedgerHandlerSuite) TestOpenAccounts() {
	s.Run("created client is returned", func() {
		s.service.EXPECT().OpenAccounts(gomock.Any(), "1900101000001").
			Return(sampleClient("1900101000001", "0", "0"), nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/1900101000001"))
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		resp := testutil.UnmarshalResponse[clientResponse](s.T(), rr)
		s.Equal("1900101000001", resp.ClientID)
		s.Equal("0.00", resp.RONBalance)
		s.Equal("0.00", resp.EURBalance)
	})

	s.Run("duplicate maps to 409", func() {
		s.service.EXPECT().OpenAccounts(gomock.Any(), "dup").
			Return(nil, dErrors.New(dErrors.CodeAlreadyExists, "client with id dup already exists"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/dup"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "already_exists")
	})
}

func (s *LedgerHandlerSuite) TestDeposit() {
	s.Run("parses currency and amount from the query", func() {
		s.service.EXPECT().Deposit(gomock.Any(), "c1", models.CurrencyRON, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _ models.Currency, amount decimal.Decimal) (*models.Client, error) {
				s.True(amount.Equal(decimal.RequireFromString("500.00")))
				return sampleClient("c1", "500", "0"), nil
			})

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/deposit?currency=ron&amount=500.00"))
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[clientResponse](s.T(), rr)
		s.Equal("500.00", resp.RONBalance)
	})

	s.Run("unknown currency never reaches the service", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/deposit?currency=USD&amount=5"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_currency")
	})

	s.Run("malformed amount", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/deposit?currency=EUR&amount=abc"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_amount")
	})
}

func (s *LedgerHandlerSuite) TestWithdraw() {
	s.Run("minimum balance violation maps to 422", func() {
		s.service.EXPECT().Withdraw(gomock.Any(), "c1", models.CurrencyEUR, gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeBelowMinimum, "account balance cannot go below 1000.00 except for account closure"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/withdraw?currency=EUR&amount=600"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "below_minimum")
	})

	s.Run("overdraft maps to 422", func() {
		s.service.EXPECT().Withdraw(gomock.Any(), "c1", models.CurrencyRON, gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeOverdraft, "account balance cannot go below 0"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/withdraw?currency=RON&amount=99999"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "overdraft")
	})
}

func (s *LedgerHandlerSuite) TestCloseAccounts() {
	s.Run("non-zero balance maps to 409", func() {
		s.service.EXPECT().CloseAccounts(gomock.Any(), "c1").
			Return(dErrors.New(dErrors.CodeNonZeroBalance, "cannot close accounts with non-zero balance"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodDelete, "/api/clients/c1"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "non_zero_balance")
	})

	s.Run("closed", func() {
		s.service.EXPECT().CloseAccounts(gomock.Any(), "c1").Return(nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodDelete, "/api/clients/c1"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "closed", true)
	})
}

func (s *LedgerHandlerSuite) TestGetInfo() {
	s.Run("not found maps to 404", func() {
		s.service.EXPECT().GetInfo(gomock.Any(), "missing").
			Return(nil, dErrors.New(dErrors.CodeNotFound, "client with id missing not found"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/api/clients/missing"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("internal errors hide the description", func() {
		s.service.EXPECT().GetInfo(gomock.Any(), "c1").
			Return(nil, dErrors.New(dErrors.CodeInternal, "failed to load client"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/api/clients/c1"))
		testutil.AssertStatus(s.T(), rr, http.StatusInternalServerError)
		resp := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Empty(resp["error_description"])
	})
}

func (s *LedgerHandlerSuite) TestPrepareForClosure() {
	s.service.EXPECT().PrepareForClosure(gomock.Any(), "c1").Return(sampleClient("c1", "0", "0"), nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/api/clients/c1/prepare-closure"))
	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[clientResponse](s.T(), rr)
	s.Equal("0.00", resp.RONBalance)
}
