package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	appoutbox "gigdeal/internal/app/outbox"
	"gigdeal/internal/app/uow"
	"gigdeal/internal/domain/negotiation"
)

var ErrUnitOfWorkNotConfigured = errors.New("mongo: unit of work factory misconfigured")

// Factory runs each unit in a Mongo transaction. Transactions need a replica
// set; a standalone server rejects StartTransaction.
type Factory struct {
	DB            *mongo.Database
	Conversations *ConversationRepository
	Outbox        *OutboxStore
}

func (f Factory) Begin(ctx context.Context, opts uow.TxOptions) (uow.UnitOfWork, error) {
	if f.DB == nil || f.Conversations == nil || f.Outbox == nil {
		return nil, ErrUnitOfWorkNotConfigured
	}
	session, err := f.DB.Client().StartSession()
	if err != nil {
		return nil, err
	}
	txnOpts := options.Transaction().SetReadConcern(readconcern.Snapshot()).SetWriteConcern(writeconcern.Majority())
	if opts.ReadOnly {
		txnOpts = txnOpts.SetReadConcern(readconcern.Majority())
	}
	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(ctx)
		return nil, err
	}
	return &Unit{session: session, conversations: f.Conversations, outbox: f.Outbox}, nil
}

type Unit struct {
	session       mongo.Session
	conversations *ConversationRepository
	outbox        *OutboxStore
}

func (u *Unit) Conversations() negotiation.Repository { return u.conversations }

func (u *Unit) Outbox() appoutbox.Outbox { return u.outbox }

// Commit maps a transaction write conflict onto the repository's
// concurrent-update error so callers reload and retry.
func (u *Unit) Commit(ctx context.Context) error {
	defer u.session.EndSession(ctx)
	err := u.session.CommitTransaction(ctx)
	if isTransactionConflict(err) {
		return negotiation.ErrConcurrentUpdate
	}
	return err
}

func (u *Unit) Rollback(ctx context.Context) error {
	defer u.session.EndSession(ctx)
	return u.session.AbortTransaction(ctx)
}

// InjectContext binds the session so repository calls join the transaction.
func (u *Unit) InjectContext(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, u.session)
}

func isTransactionConflict(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError")
}

var _ uow.Factory = Factory{}
