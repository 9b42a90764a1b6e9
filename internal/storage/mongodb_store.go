package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB. Conditional findOneAndUpdate
// operations provide the same atomicity guarantees as the Postgres backend's
// conditional updates.
type MongoStore struct {
	client     *mongo.Client
	accounts   *mongo.Collection
	txns       *mongo.Collection
	migrations *mongo.Collection
	payments   *mongo.Collection
	events     *mongo.Collection
	idem       *mongo.Collection
	jobs       *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store and ensures indexes.
func NewMongoStore(cfg Config) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURL))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDBDatabase)
	store := &MongoStore{
		client:     client,
		accounts:   db.Collection("credit_accounts"),
		txns:       db.Collection("credit_transactions"),
		migrations: db.Collection("guest_migrations"),
		payments:   db.Collection("pending_payments"),
		events:     db.Collection("webhook_events"),
		idem:       db.Collection("idempotency_records"),
		jobs:       db.Collection("jobs"),
	}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	sparse := true
	unique := true
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.txns, mongo.IndexModel{
			Keys:    bson.D{{Key: "referenceId", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique, Sparse: &sparse},
		}},
		{s.txns, mongo.IndexModel{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}}},
		{s.migrations, mongo.IndexModel{
			Keys:    bson.D{{Key: "deviceOwnerId", Value: 1}, {Key: "userOwnerId", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		}},
		{s.payments, mongo.IndexModel{
			Keys:    bson.D{{Key: "orderNumber", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		}},
		{s.jobs, mongo.IndexModel{
			Keys:    bson.D{{Key: "resultId", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

type mongoAccount struct {
	OwnerID                  string        `bson:"_id"`
	PagesRemaining           int64         `bson:"pagesRemaining"`
	TotalPagesUsed           int64         `bson:"totalPagesUsed"`
	Status                   AccountStatus `bson:"status"`
	EarlyAdopter             bool          `bson:"earlyAdopter"`
	RegistrationBonusGranted bool          `bson:"registrationBonusGranted"`
	CreatedAt                time.Time     `bson:"createdAt"`
	UpdatedAt                time.Time     `bson:"updatedAt"`
}

func (a mongoAccount) toAccount() CreditAccount {
	return CreditAccount{
		OwnerID:                  a.OwnerID,
		PagesRemaining:           a.PagesRemaining,
		TotalPagesUsed:           a.TotalPagesUsed,
		Status:                   a.Status,
		EarlyAdopter:             a.EarlyAdopter,
		RegistrationBonusGranted: a.RegistrationBonusGranted,
		CreatedAt:                a.CreatedAt,
		UpdatedAt:                a.UpdatedAt,
	}
}

func (s *MongoStore) GetAccount(ctx context.Context, ownerID string) (CreditAccount, error) {
	var doc mongoAccount
	err := s.accounts.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CreditAccount{}, ErrNotFound
	}
	if err != nil {
		return CreditAccount{}, fmt.Errorf("get account: %w", err)
	}
	return doc.toAccount(), nil
}

func (s *MongoStore) EnsureAccount(ctx context.Context, ownerID string, opts NewAccountOptions) (CreditAccount, bool, error) {
	now := time.Now().UTC()
	doc := mongoAccount{
		OwnerID:                  ownerID,
		PagesRemaining:           opts.InitialGrant,
		Status:                   AccountStatusActive,
		EarlyAdopter:             opts.EarlyAdopter,
		RegistrationBonusGranted: opts.MarkBonusUsed,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	_, err := s.accounts.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		existing, getErr := s.GetAccount(ctx, ownerID)
		return existing, false, getErr
	}
	if err != nil {
		return CreditAccount{}, false, fmt.Errorf("ensure account: %w", err)
	}
	if opts.InitialGrant > 0 {
		if err := s.insertTransaction(ctx, ownerID, opts.InitialGrant, opts.GrantKind, opts.GrantRef); err != nil {
			return CreditAccount{}, false, err
		}
	}
	return doc.toAccount(), true, nil
}

func (s *MongoStore) DebitIfSufficient(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (DebitResult, error) {
	after := options.After
	var updated mongoAccount
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{
			"_id":            ownerID,
			"status":         AccountStatusActive,
			"pagesRemaining": bson.M{"$gte": amount},
		},
		bson.M{
			"$inc": bson.M{"pagesRemaining": -amount, "totalPagesUsed": amount},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&updated)

	if errors.Is(err, mongo.ErrNoDocuments) {
		// The conditional update already decided atomically; the follow-up
		// read only classifies the rejection.
		acct, probeErr := s.GetAccount(ctx, ownerID)
		if probeErr != nil {
			return DebitResult{}, probeErr
		}
		if acct.Status == AccountStatusOnHold {
			return DebitResult{Remaining: acct.PagesRemaining}, ErrAccountOnHold
		}
		return DebitResult{Applied: false, Remaining: acct.PagesRemaining}, nil
	}
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit: %w", err)
	}

	if err := s.insertTransaction(ctx, ownerID, -amount, kind, referenceID); err != nil {
		return DebitResult{}, err
	}
	return DebitResult{Applied: true, Remaining: updated.PagesRemaining}, nil
}

func (s *MongoStore) Credit(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) (CreditResult, error) {
	if referenceID != "" {
		// The unique sparse index on referenceId is the idempotency guard:
		// inserting the transaction first means a replayed credit fails here
		// before any balance change.
		err := s.insertTransaction(ctx, ownerID, amount, kind, referenceID)
		if errors.Is(err, errDuplicateReference) {
			acct, getErr := s.GetAccount(ctx, ownerID)
			if getErr != nil && !errors.Is(getErr, ErrNotFound) {
				return CreditResult{}, getErr
			}
			return CreditResult{Applied: false, Remaining: acct.PagesRemaining}, nil
		}
		if err != nil {
			return CreditResult{}, err
		}
	} else {
		if err := s.insertTransaction(ctx, ownerID, amount, kind, ""); err != nil {
			return CreditResult{}, err
		}
	}

	upsert := true
	after := options.After
	now := time.Now().UTC()
	var updated mongoAccount
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": ownerID},
		bson.M{
			"$inc": bson.M{"pagesRemaining": amount},
			"$set": bson.M{"updatedAt": now},
			"$setOnInsert": bson.M{
				"totalPagesUsed": int64(0),
				"status":         AccountStatusActive,
				"createdAt":      now,
			},
		},
		&options.FindOneAndUpdateOptions{Upsert: &upsert, ReturnDocument: &after},
	).Decode(&updated)
	if err != nil {
		return CreditResult{}, fmt.Errorf("credit account: %w", err)
	}
	return CreditResult{Applied: true, Remaining: updated.PagesRemaining}, nil
}

func (s *MongoStore) SetAccountStatus(ctx context.Context, ownerID string, status AccountStatus) error {
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": ownerID},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MigrateGuest(ctx context.Context, deviceOwnerID, userOwnerID string, freeAllocation int64) (int64, bool, error) {
	// The unique (device, user) index makes the log insert the exactly-once
	// guard; losers of the race read the recorded transfer.
	_, err := s.migrations.InsertOne(ctx, bson.M{
		"deviceOwnerId": deviceOwnerID,
		"userOwnerId":   userOwnerID,
		"transferred":   int64(0),
		"createdAt":     time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		var doc struct {
			Transferred int64 `bson:"transferred"`
		}
		if err := s.migrations.FindOne(ctx, bson.M{
			"deviceOwnerId": deviceOwnerID,
			"userOwnerId":   userOwnerID,
		}).Decode(&doc); err != nil {
			return 0, false, fmt.Errorf("read migration: %w", err)
		}
		return doc.Transferred, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert migration: %w", err)
	}

	// Drain everything above the free allocation in one conditional update
	// per retry loop; the loop converges because the balance only shrinks.
	var transfer int64
	for {
		var guest mongoAccount
		err := s.accounts.FindOne(ctx, bson.M{"_id": deviceOwnerID}).Decode(&guest)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return 0, false, fmt.Errorf("read guest account: %w", err)
		}
		want := guest.PagesRemaining - freeAllocation
		if want <= 0 {
			break
		}
		res, err := s.accounts.UpdateOne(ctx,
			bson.M{"_id": deviceOwnerID, "pagesRemaining": guest.PagesRemaining},
			bson.M{"$inc": bson.M{"pagesRemaining": -want}, "$set": bson.M{"updatedAt": time.Now().UTC()}})
		if err != nil {
			return 0, false, fmt.Errorf("debit guest: %w", err)
		}
		if res.ModifiedCount == 1 {
			transfer = want
			break
		}
		// Lost a race with a concurrent balance change; re-read and retry.
	}

	if transfer > 0 {
		if _, err := s.Credit(ctx, userOwnerID, transfer, TxKindMigration, ""); err != nil {
			return 0, false, err
		}
		if err := s.insertTransaction(ctx, deviceOwnerID, -transfer, TxKindMigration, ""); err != nil {
			return 0, false, err
		}
	}

	if _, err := s.migrations.UpdateOne(ctx,
		bson.M{"deviceOwnerId": deviceOwnerID, "userOwnerId": userOwnerID},
		bson.M{"$set": bson.M{"transferred": transfer}}); err != nil {
		return 0, false, fmt.Errorf("record migration: %w", err)
	}
	return transfer, true, nil
}

type mongoTransaction struct {
	ID          string          `bson:"_id"`
	OwnerID     string          `bson:"ownerId"`
	Amount      int64           `bson:"amount"`
	Kind        TransactionKind `bson:"kind"`
	ReferenceID string          `bson:"referenceId,omitempty"`
	CreatedAt   time.Time       `bson:"createdAt"`
}

func (t mongoTransaction) toTransaction() CreditTransaction {
	return CreditTransaction{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Amount:      t.Amount,
		Kind:        t.Kind,
		ReferenceID: t.ReferenceID,
		CreatedAt:   t.CreatedAt,
	}
}

var errDuplicateReference = errors.New("storage: duplicate reference id")

func (s *MongoStore) insertTransaction(ctx context.Context, ownerID string, amount int64, kind TransactionKind, referenceID string) error {
	doc := mongoTransaction{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		ReferenceID: referenceID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.txns.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return errDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *MongoStore) GetTransactionByReference(ctx context.Context, referenceID string) (CreditTransaction, error) {
	var doc mongoTransaction
	err := s.txns.FindOne(ctx, bson.M{"referenceId": referenceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CreditTransaction{}, ErrNotFound
	}
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return doc.toTransaction(), nil
}

func (s *MongoStore) ListTransactions(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	limit64 := int64(limit)
	cur, err := s.txns.Find(ctx, bson.M{"ownerId": ownerID}, &options.FindOptions{
		Sort:  bson.D{{Key: "createdAt", Value: -1}},
		Limit: &limit64,
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer cur.Close(ctx)

	var out []CreditTransaction
	for cur.Next(ctx) {
		var doc mongoTransaction
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, doc.toTransaction())
	}
	return out, cur.Err()
}

type mongoPayment struct {
	TransactionNo string        `bson:"_id"`
	OrderNumber   string        `bson:"orderNumber"`
	OwnerID       string        `bson:"ownerId"`
	Pages         int64         `bson:"pages"`
	AmountCents   int64         `bson:"amountCents"`
	Currency      string        `bson:"currency"`
	Status        PaymentStatus `bson:"status"`
	CreatedAt     time.Time     `bson:"createdAt"`
	UpdatedAt     time.Time     `bson:"updatedAt"`
}

func (p mongoPayment) toPayment() PendingPayment {
	return PendingPayment{
		TransactionNo: p.TransactionNo,
		OrderNumber:   p.OrderNumber,
		OwnerID:       p.OwnerID,
		Pages:         p.Pages,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (s *MongoStore) SavePendingPayment(ctx context.Context, p PendingPayment) error {
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	upsert := true
	_, err := s.payments.UpdateOne(ctx,
		bson.M{"_id": p.TransactionNo},
		bson.M{
			"$set": bson.M{
				"orderNumber": p.OrderNumber,
				"ownerId":     p.OwnerID,
				"pages":       p.Pages,
				"amountCents": p.AmountCents,
				"currency":    p.Currency,
				"status":      p.Status,
				"updatedAt":   now,
			},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		&options.UpdateOptions{Upsert: &upsert})
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (s *MongoStore) GetPendingPaymentByTransactionNo(ctx context.Context, transactionNo string) (PendingPayment, error) {
	return s.getPayment(ctx, bson.M{"_id": transactionNo})
}

func (s *MongoStore) GetPendingPaymentByOrderNumber(ctx context.Context, orderNumber string) (PendingPayment, error) {
	return s.getPayment(ctx, bson.M{"orderNumber": orderNumber})
}

func (s *MongoStore) getPayment(ctx context.Context, filter bson.M) (PendingPayment, error) {
	var doc mongoPayment
	err := s.payments.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PendingPayment{}, ErrNotFound
	}
	if err != nil {
		return PendingPayment{}, fmt.Errorf("get payment: %w", err)
	}
	return doc.toPayment(), nil
}

func (s *MongoStore) SetPaymentStatus(ctx context.Context, transactionNo string, status PaymentStatus) error {
	res, err := s.payments.UpdateOne(ctx,
		bson.M{"_id": transactionNo},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set payment status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]PendingPayment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.payments.Find(ctx,
		bson.M{"status": PaymentStatusPending, "createdAt": bson.M{"$lt": olderThan}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer cursor.Close(ctx)

	var stale []PendingPayment
	for cursor.Next(ctx) {
		var doc mongoPayment
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode stale payment: %w", err)
		}
		stale = append(stale, doc.toPayment())
	}
	return stale, cursor.Err()
}

func (s *MongoStore) ClaimWebhookEvent(ctx context.Context, eventID string) (ClaimOutcome, error) {
	now := time.Now().UTC()

	// Claim an absent, failed, or lease-expired event in one atomic upsert.
	// A duplicate key error means the event exists in succeeded state or
	// under a live processing claim.
	staleBefore := now.Add(-WebhookClaimLease)
	upsert := true
	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID, "$or": bson.A{
			bson.M{"status": WebhookEventFailed},
			bson.M{"status": WebhookEventProcessing, "updatedAt": bson.M{"$lt": staleBefore}},
		}},
		bson.M{
			"$set":         bson.M{"status": WebhookEventProcessing, "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now, "lastError": ""},
		},
		&options.UpdateOptions{Upsert: &upsert})
	if mongo.IsDuplicateKeyError(err) {
		var doc struct {
			Status WebhookEventStatus `bson:"status"`
		}
		if err := s.events.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc); err != nil {
			return ClaimInProgress, fmt.Errorf("read webhook event: %w", err)
		}
		if doc.Status == WebhookEventSucceeded {
			return ClaimAlreadySettled, nil
		}
		return ClaimInProgress, nil
	}
	if err != nil {
		return ClaimInProgress, fmt.Errorf("claim webhook event: %w", err)
	}
	if res.UpsertedCount > 0 || res.ModifiedCount > 0 {
		return ClaimAcquired, nil
	}
	return ClaimInProgress, nil
}

func (s *MongoStore) MarkWebhookEventSucceeded(ctx context.Context, eventID string) error {
	return s.setWebhookEventStatus(ctx, eventID, WebhookEventSucceeded, "")
}

func (s *MongoStore) MarkWebhookEventFailed(ctx context.Context, eventID, reason string) error {
	return s.setWebhookEventStatus(ctx, eventID, WebhookEventFailed, reason)
}

func (s *MongoStore) setWebhookEventStatus(ctx context.Context, eventID string, status WebhookEventStatus, lastError string) error {
	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"status": status, "lastError": lastError, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set webhook event status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetWebhookEvent(ctx context.Context, eventID string) (WebhookEvent, error) {
	var doc struct {
		EventID   string             `bson:"_id"`
		Status    WebhookEventStatus `bson:"status"`
		LastError string             `bson:"lastError"`
		CreatedAt time.Time          `bson:"createdAt"`
		UpdatedAt time.Time          `bson:"updatedAt"`
	}
	err := s.events.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("get webhook event: %w", err)
	}
	return WebhookEvent{
		EventID:   doc.EventID,
		Status:    doc.Status,
		LastError: doc.LastError,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	upsert := true
	res, err := s.idem.UpdateOne(ctx,
		bson.M{"_id": key, "expiresAt": bson.M{"$lt": now}},
		bson.M{
			"$set": bson.M{
				"status":    IdempotencyPending,
				"jobId":     "",
				"resultId":  "",
				"expiresAt": now.Add(ttl),
				"createdAt": now,
			},
		},
		&options.UpdateOptions{Upsert: &upsert})
	if mongo.IsDuplicateKeyError(err) {
		// Unexpired record exists; first reserver already won.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return res.UpsertedCount > 0 || res.ModifiedCount > 0, nil
}

func (s *MongoStore) CompleteIdempotencyKey(ctx context.Context, key, jobID, resultID string) error {
	res, err := s.idem.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"status": IdempotencyCompleted, "jobId": jobID, "resultId": resultID}})
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) LookupIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error) {
	var doc struct {
		Key       string            `bson:"_id"`
		Status    IdempotencyStatus `bson:"status"`
		JobID     string            `bson:"jobId"`
		ResultID  string            `bson:"resultId"`
		ExpiresAt time.Time         `bson:"expiresAt"`
		CreatedAt time.Time         `bson:"createdAt"`
	}
	err := s.idem.FindOne(ctx, bson.M{
		"_id":       key,
		"status":    IdempotencyCompleted,
		"expiresAt": bson.M{"$gt": time.Now().UTC()},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return IdempotencyRecord{
		Key:       doc.Key,
		Status:    doc.Status,
		JobID:     doc.JobID,
		ResultID:  doc.ResultID,
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (s *MongoStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.idem.DeleteOne(ctx, bson.M{"_id": key, "status": IdempotencyPending})
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

type mongoJob struct {
	ID            string        `bson:"_id"`
	ResultID      string        `bson:"resultId"`
	OwnerID       string        `bson:"ownerId"`
	Payload       []byte        `bson:"payload,omitempty"`
	BillablePages int64         `bson:"billablePages"`
	CallbackURL   string        `bson:"callbackUrl,omitempty"`
	Status        JobStatus     `bson:"status"`
	Progress      int           `bson:"progress"`
	Stage         string        `bson:"stage"`
	Artifact      string        `bson:"artifact"`
	FailureReason FailureReason `bson:"failureReason"`
	FailureDetail string        `bson:"failureDetail"`
	CreatedAt     time.Time     `bson:"createdAt"`
	StartedAt     *time.Time    `bson:"startedAt,omitempty"`
	CompletedAt   *time.Time    `bson:"completedAt,omitempty"`
}

func (j mongoJob) toJob() Job {
	return Job{
		ID:            j.ID,
		ResultID:      j.ResultID,
		OwnerID:       j.OwnerID,
		Payload:       j.Payload,
		BillablePages: j.BillablePages,
		CallbackURL:   j.CallbackURL,
		Status:        j.Status,
		Progress:      j.Progress,
		Stage:         j.Stage,
		Artifact:      j.Artifact,
		FailureReason: j.FailureReason,
		FailureDetail: j.FailureDetail,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func (s *MongoStore) CreateJob(ctx context.Context, job Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	doc := mongoJob{
		ID:            job.ID,
		ResultID:      job.ResultID,
		OwnerID:       job.OwnerID,
		Payload:       job.Payload,
		BillablePages: job.BillablePages,
		CallbackURL:   job.CallbackURL,
		Status:        job.Status,
		Progress:      job.Progress,
		Stage:         job.Stage,
		CreatedAt:     job.CreatedAt,
	}
	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *MongoStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	return s.getJob(ctx, bson.M{"_id": jobID})
}

func (s *MongoStore) GetJobByResultID(ctx context.Context, resultID string) (Job, error) {
	return s.getJob(ctx, bson.M{"resultId": resultID})
}

func (s *MongoStore) getJob(ctx context.Context, filter bson.M) (Job, error) {
	var doc mongoJob
	err := s.jobs.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return doc.toJob(), nil
}

var nonTerminalStatuses = bson.M{"$nin": bson.A{JobStatusCompleted, JobStatusFailed}}

func (s *MongoStore) MarkJobProcessing(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "status": JobStatusQueued},
		bson.M{"$set": bson.M{"status": JobStatusProcessing, "startedAt": now}})
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateJobProgress(ctx context.Context, jobID string, percent int, stage string) error {
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "status": nonTerminalStatuses},
		bson.M{"$set": bson.M{"progress": clampPercent(percent), "stage": stage}})
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *MongoStore) CompleteJob(ctx context.Context, jobID, artifact string) error {
	now := time.Now().UTC()
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "status": nonTerminalStatuses},
		bson.M{"$set": bson.M{
			"status":      JobStatusCompleted,
			"progress":    100,
			"artifact":    artifact,
			"completedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *MongoStore) FailJob(ctx context.Context, jobID string, reason FailureReason, detail string) error {
	now := time.Now().UTC()
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "status": nonTerminalStatuses},
		bson.M{"$set": bson.M{
			"status":        JobStatusFailed,
			"failureReason": reason,
			"failureDetail": detail,
			"completedAt":   now,
		}})
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
