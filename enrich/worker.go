package enrich

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

const tracerName = "github.com/wangyingjie930/nexus-enrich/enrich"

// Outcome 是一次 ProcessOne 的结果，只由 Processor 解释
type Outcome struct {
	Success bool
	Results ValidationResults
	Receipt *SubmissionReceipt
	Err     error
}

// ItemProcessor 处理单条已认领的记录
type ItemProcessor interface {
	ProcessOne(ctx context.Context, rec queue.QueueRecord) Outcome
}

// Worker 实现 ItemProcessor：校验所需字段组，写回 CRM，并扣减用量
type Worker struct {
	directory  Directory
	validation ValidationPort
	crm        CRMPort
	// defaultRegion 在租户未配置区域时用于电话校验
	defaultRegion string
	tracer        trace.Tracer
}

func NewWorker(directory Directory, validation ValidationPort, crm CRMPort, defaultRegion string) *Worker {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Worker{
		directory:     directory,
		validation:    validation,
		crm:           crm,
		defaultRegion: defaultRegion,
		tracer:        otel.Tracer(tracerName),
	}
}

// ProcessOne 不会返回 error，所有失败都体现在 Outcome.Err 中
func (w *Worker) ProcessOne(ctx context.Context, rec queue.QueueRecord) Outcome {
	ctx, span := w.tracer.Start(ctx, "ProcessOne", trace.WithAttributes(
		attribute.Int64("record.id", int64(rec.ID)),
		attribute.String("client.id", rec.ClientID),
		attribute.Int("record.attempts", rec.Attempts),
	))
	defer span.End()

	out := w.process(ctx, rec)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

func (w *Worker) process(ctx context.Context, rec queue.QueueRecord) Outcome {
	log := logger.Ctx(ctx).With().Uint64("record_id", rec.ID).Str("client_id", rec.ClientID).Logger()

	creds, err := w.directory.GetCredentials(ctx, rec.ClientID)
	if err != nil {
		return Outcome{Err: &CredentialError{ClientID: rec.ClientID, Err: err}}
	}
	if !creds.Enabled {
		return Outcome{Err: &CredentialError{ClientID: rec.ClientID, Err: ErrClientDisabled}}
	}

	results := w.validate(ctx, rec, creds)
	if results.Empty() {
		log.Info().Msg("no field group requested, nothing to submit")
		return Outcome{Success: true}
	}
	if err := results.Err(); err != nil {
		// 字段组失败不影响本条记录：错误保留在 validation_results 中，其余组照常提交
		log.Warn().Err(err).Msg("some field groups failed validation")
	}

	fields := BuildFieldMap(results)
	if fields.Len() == 0 {
		log.Warn().Msg("every field group errored, nothing to submit")
		return Outcome{Success: true, Results: results}
	}
	receipt, err := w.crm.SubmitFields(ctx, rec.ContactID, fields, creds)
	if err != nil {
		return Outcome{Results: results, Err: &SubmissionError{Err: err}}
	}

	for _, group := range results.Succeeded() {
		remaining, err := w.directory.DecrementUsage(ctx, rec.ClientID, group)
		if err != nil {
			log.Warn().Err(err).Str("group", string(group)).Msg("failed to decrement usage")
			continue
		}
		log.Debug().Str("group", string(group)).Int64("remaining", remaining).Msg("usage decremented")
	}

	return Outcome{Success: true, Results: results, Receipt: &receipt}
}

// validate 并发校验各字段组。每个 goroutine 只写自己的字段，
// 且总是返回 nil，因此一个组的失败不会取消其他组。
func (w *Worker) validate(ctx context.Context, rec queue.QueueRecord, creds Credentials) ValidationResults {
	var (
		res     ValidationResults
		g       errgroup.Group
		subject = rec.Subject.Data()
		tenant  = rec.ClientID
		errs    [4]error
	)

	region := creds.Region
	if region == "" {
		region = w.defaultRegion
	}

	if rec.NeedsEmail {
		g.Go(func() error {
			ctx, span := w.tracer.Start(ctx, "validate.email")
			defer span.End()
			r, err := w.validation.ValidateEmail(ctx, subject.Email, tenant)
			if err != nil {
				res.Email, errs[0] = errored[EmailResult](err), err
				return nil
			}
			res.Email = succeeded(r)
			return nil
		})
	}
	if rec.NeedsName {
		g.Go(func() error {
			ctx, span := w.tracer.Start(ctx, "validate.name")
			defer span.End()
			r, err := w.validation.ValidateName(ctx, subject.FirstName, subject.LastName, tenant)
			if err != nil {
				res.Name, errs[1] = errored[NameResult](err), err
				return nil
			}
			res.Name = succeeded(r)
			return nil
		})
	}
	if rec.NeedsPhone {
		g.Go(func() error {
			ctx, span := w.tracer.Start(ctx, "validate.phone")
			defer span.End()
			r, err := w.validation.ValidatePhone(ctx, subject.Phone, tenant, region)
			if err != nil {
				res.Phone, errs[2] = errored[PhoneResult](err), err
				return nil
			}
			res.Phone = succeeded(r)
			return nil
		})
	}
	if rec.NeedsAddress {
		g.Go(func() error {
			ctx, span := w.tracer.Start(ctx, "validate.address")
			defer span.End()
			r, err := w.validation.ValidateAddress(ctx, AddressInput{
				Street:     subject.Street,
				City:       subject.City,
				State:      subject.State,
				PostalCode: subject.PostalCode,
				Country:    subject.Country,
			}, tenant)
			if err != nil {
				res.Address, errs[3] = errored[AddressResult](err), err
				return nil
			}
			res.Address = succeeded(r)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			res.fail(AllGroups[i], err)
		}
	}
	return res
}

// errorKind 把失败归类，用作日志与指标的标签
func errorKind(err error) string {
	var (
		credErr *CredentialError
		subErr  *SubmissionError
		toErr   *TimeoutError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &toErr):
		return "timeout"
	case errors.As(err, &credErr):
		return "credentials"
	case errors.As(err, &subErr):
		return "submission"
	default:
		return "internal"
	}
}
