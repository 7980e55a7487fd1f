/*
Package reports is the report mutation service: the only entry point that
creates, edits or deletes shift reports.

PURPOSE:
  Wraps the ledger engine with report-level business rules: input
  validation, branch resolution, identity and timestamps. Every mutation
  persists the report first and then awaits the engine hook, so a caller
  that gets a successful Result can immediately read its branch total.

FAILURE AFTER PERSIST:
  If the report was stored but the ledger update failed, the error is a
  *LedgerSyncError. The report is NOT rolled back; the ledger heals on the
  next Recalculate of the affected branch (or the scheduled rebuild).

SEE ALSO:
  - ledger/engine.go: OnReportCreated / OnReportUpdated / OnReportDeleted
  - api/handlers.go: HTTP surface
*/
package reports

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/branch-ledger/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidInput is the sentinel behind *ValidationError.
var ErrInvalidInput = errors.New("invalid report input")

// ValidationError lists the offending fields and the rule each one broke.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid report input: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// LedgerSyncError means the report mutation was committed but the branch
// ledger could not be updated. Retrying the mutation is wrong; recalculating
// the listed branches is right.
type LedgerSyncError struct {
	ReportID ledger.ReportID
	Branches []ledger.BranchID
	Err      error
}

func (e *LedgerSyncError) Error() string {
	return fmt.Sprintf("report %s stored but ledger not updated: %v", e.ReportID, e.Err)
}

func (e *LedgerSyncError) Unwrap() error { return e.Err }

// =============================================================================
// INPUTS / OUTPUT
// =============================================================================

// MaxAmount bounds every money field of one report (the lte tags below) so
// that no single report can push a branch total past
// ledger.MaxLedgerMagnitude. AmountDecimals matches the NUMERIC(20,4)
// columns of the Postgres store.
var MaxAmount = decimal.New(1, 12)

const AmountDecimals = 4

// SubmitInput is validated field by field and, for decimal places, by
// validateAmounts.
type SubmitInput struct {
	BranchID           ledger.BranchID            `validate:"required,max=64"`
	ShiftDate          time.Time                  // zero means the submission day
	Cash               decimal.Decimal            `validate:"gte=0,lte=1000000000000"`
	Electronic         decimal.Decimal            `validate:"gte=0,lte=1000000000000"`
	Delivery           map[string]decimal.Decimal `validate:"omitempty,max=16,dive,keys,required,max=32,endkeys,gte=0,lte=1000000000000"`
	ExpenseAmount      decimal.Decimal            `validate:"gte=0,lte=1000000000000"`
	ExpenseDescription string                     `validate:"max=500"`
	SubmittedBy        string                     `validate:"max=128"`
}

// EditInput is a partial update; nil fields are left unchanged. A non-nil
// Delivery replaces the whole per-app breakdown.
type EditInput struct {
	BranchID           *ledger.BranchID           `validate:"omitempty,min=1,max=64"`
	ShiftDate          *time.Time
	Cash               *decimal.Decimal           `validate:"omitempty,gte=0,lte=1000000000000"`
	Electronic         *decimal.Decimal           `validate:"omitempty,gte=0,lte=1000000000000"`
	Delivery           map[string]decimal.Decimal `validate:"omitempty,max=16,dive,keys,required,max=32,endkeys,gte=0,lte=1000000000000"`
	ExpenseAmount      *decimal.Decimal           `validate:"omitempty,gte=0,lte=1000000000000"`
	ExpenseDescription *string                   `validate:"omitempty,max=500"`
}

// Result echoes the report and the branch totals after the mutation.
type Result struct {
	Report ledger.Report
	Totals map[ledger.BranchID]decimal.Decimal
}

// LedgerHooks is the part of *ledger.Engine the service drives.
type LedgerHooks interface {
	OnReportCreated(ctx context.Context, r ledger.Report) (decimal.Decimal, error)
	OnReportUpdated(ctx context.Context, before, after ledger.Report) (map[ledger.BranchID]decimal.Decimal, error)
	OnReportDeleted(ctx context.Context, r ledger.Report) (decimal.Decimal, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    ledger.ReportStore
	branches ledger.BranchDirectory
	hooks    LedgerHooks
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	newID    func() ledger.ReportID
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithNow overrides the clock used for report timestamps.
func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator overrides report id generation.
func WithIDGenerator(gen func() ledger.ReportID) Option { return func(s *Service) { s.newID = gen } }

func NewService(store ledger.ReportStore, branches ledger.BranchDirectory, hooks LedgerHooks, opts ...Option) *Service {
	s := &Service{
		store:    store,
		branches: branches,
		hooks:    hooks,
		validate: newValidator(),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    func() ledger.ReportID { return ledger.ReportID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newValidator teaches validator to compare decimals numerically so that
// rules like gte=0 work on money fields.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterStructValidation(validateAmounts, SubmitInput{}, EditInput{})
	return v
}

// validateAmounts rejects money with more than AmountDecimals places. Field
// rules only see the float64 from the type func, so this runs at struct
// level on the original decimals.
func validateAmounts(sl validator.StructLevel) {
	check := func(name string, d decimal.Decimal) {
		if !d.Equal(d.Round(AmountDecimals)) {
			sl.ReportError(d, name, name, "decimals", strconv.Itoa(AmountDecimals))
		}
	}
	checkOptional := func(name string, d *decimal.Decimal) {
		if d != nil {
			check(name, *d)
		}
	}
	checkDelivery := func(delivery map[string]decimal.Decimal) {
		for app, d := range delivery {
			check("Delivery["+app+"]", d)
		}
	}

	switch in := sl.Current().Interface().(type) {
	case SubmitInput:
		check("Cash", in.Cash)
		check("Electronic", in.Electronic)
		check("ExpenseAmount", in.ExpenseAmount)
		checkDelivery(in.Delivery)
	case EditInput:
		checkOptional("Cash", in.Cash)
		checkOptional("Electronic", in.Electronic)
		checkOptional("ExpenseAmount", in.ExpenseAmount)
		checkDelivery(in.Delivery)
	}
}

// Submit validates and stores a new report, then updates its branch ledger.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Result, error) {
	if err := s.check(in); err != nil {
		return Result{}, err
	}
	if err := s.requireActive(ctx, in.BranchID); err != nil {
		return Result{}, err
	}

	now := ledger.Instant(s.now())
	shiftDate := in.ShiftDate
	if shiftDate.IsZero() {
		shiftDate = now
	}
	r := ledger.Report{
		ID:          s.newID(),
		BranchID:    in.BranchID,
		ShiftDate:   ledger.Instant(shiftDate),
		Cash:        in.Cash,
		Electronic:  in.Electronic,
		Delivery:    copyDelivery(in.Delivery),
		Expense:     ledger.Expense{Amount: in.ExpenseAmount, Description: in.ExpenseDescription},
		SubmittedBy: in.SubmittedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return Result{}, &ledger.StoreError{Op: "create report", BranchID: r.BranchID, Err: err}
	}

	total, err := s.hooks.OnReportCreated(ctx, r)
	if err != nil {
		return Result{Report: r}, s.syncFailed(r.ID, err, r.BranchID)
	}
	s.logger.Info("report submitted",
		zap.String("report_id", string(r.ID)),
		zap.String("branch_id", string(r.BranchID)),
		zap.String("total", total.String()))
	return Result{Report: r, Totals: map[ledger.BranchID]decimal.Decimal{r.BranchID: total}}, nil
}

// Edit applies a partial update. Moving a report to another branch
// recalculates both branches.
func (s *Service) Edit(ctx context.Context, id ledger.ReportID, in EditInput) (Result, error) {
	if err := s.check(in); err != nil {
		return Result{}, err
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	after := before
	after.Delivery = copyDelivery(before.Delivery)
	if in.BranchID != nil && *in.BranchID != before.BranchID {
		if err := s.requireActive(ctx, *in.BranchID); err != nil {
			return Result{}, err
		}
		after.BranchID = *in.BranchID
	}
	if in.ShiftDate != nil {
		after.ShiftDate = ledger.Instant(*in.ShiftDate)
	}
	if in.Cash != nil {
		after.Cash = *in.Cash
	}
	if in.Electronic != nil {
		after.Electronic = *in.Electronic
	}
	if in.Delivery != nil {
		after.Delivery = copyDelivery(in.Delivery)
	}
	if in.ExpenseAmount != nil {
		after.Expense.Amount = *in.ExpenseAmount
	}
	if in.ExpenseDescription != nil {
		after.Expense.Description = *in.ExpenseDescription
	}
	after.UpdatedAt = ledger.Instant(s.now())

	if err := s.store.UpdateReport(ctx, after); err != nil {
		if errors.Is(err, ledger.ErrReportNotFound) {
			return Result{}, err
		}
		return Result{}, &ledger.StoreError{Op: "update report", BranchID: after.BranchID, Err: err}
	}

	totals, err := s.hooks.OnReportUpdated(ctx, before, after)
	if err != nil {
		return Result{Report: after}, s.syncFailed(id, err, before.BranchID, after.BranchID)
	}
	s.logger.Info("report edited",
		zap.String("report_id", string(id)),
		zap.String("branch_id", string(after.BranchID)),
		zap.Bool("moved", before.BranchID != after.BranchID))
	return Result{Report: after, Totals: totals}, nil
}

// Delete removes a report and updates its branch ledger.
func (s *Service) Delete(ctx context.Context, id ledger.ReportID) (Result, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.DeleteReport(ctx, id); err != nil {
		if errors.Is(err, ledger.ErrReportNotFound) {
			return Result{}, err
		}
		return Result{}, &ledger.StoreError{Op: "delete report", BranchID: r.BranchID, Err: err}
	}

	total, err := s.hooks.OnReportDeleted(ctx, r)
	if err != nil {
		return Result{Report: r}, s.syncFailed(id, err, r.BranchID)
	}
	s.logger.Info("report deleted",
		zap.String("report_id", string(id)),
		zap.String("branch_id", string(r.BranchID)))
	return Result{Report: r, Totals: map[ledger.BranchID]decimal.Decimal{r.BranchID: total}}, nil
}

// Get returns ledger.ErrReportNotFound for a missing report.
func (s *Service) Get(ctx context.Context, id ledger.ReportID) (ledger.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return ledger.Report{}, &ledger.StoreError{Op: "get report", Err: err}
	}
	if r == nil {
		return ledger.Report{}, ledger.ErrReportNotFound
	}
	return *r, nil
}

// List returns a branch's reports, newest first. Inactive branches can
// still be listed.
func (s *Service) List(ctx context.Context, branchID ledger.BranchID) ([]ledger.Report, error) {
	b, err := s.branches.Branch(ctx, branchID)
	if err != nil {
		return nil, &ledger.StoreError{Op: "resolve branch", BranchID: branchID, Err: err}
	}
	if b == nil {
		return nil, &ledger.UnknownBranchError{BranchID: branchID}
	}
	reports, err := s.store.ListReports(ctx, branchID, nil)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list reports", BranchID: branchID, Err: err}
	}
	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
	return reports, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) check(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		ve.Fields[fe.Field()] = rule
	}
	return ve
}

func (s *Service) requireActive(ctx context.Context, id ledger.BranchID) error {
	b, err := s.branches.Branch(ctx, id)
	if err != nil {
		return &ledger.StoreError{Op: "resolve branch", BranchID: id, Err: err}
	}
	if b == nil {
		return &ledger.UnknownBranchError{BranchID: id}
	}
	if !b.IsActive() {
		return &ledger.UnknownBranchError{BranchID: id, Inactive: true}
	}
	return nil
}

func (s *Service) syncFailed(id ledger.ReportID, err error, branches ...ledger.BranchID) error {
	if len(branches) == 2 && branches[0] == branches[1] {
		branches = branches[:1]
	}
	s.logger.Error("report stored but ledger update failed",
		zap.String("report_id", string(id)), zap.Error(err))
	return &LedgerSyncError{ReportID: id, Branches: branches, Err: err}
}

func copyDelivery(d map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(d))
	for app, v := range d {
		out[app] = v
	}
	return out
}
