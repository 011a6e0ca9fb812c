// Copyright 2025 Certen Protocol
//
// Firestore Inbox Store Adapter
// Reads users and identities, reads the current per-user inbox, and applies
// the reconciler's diff in a single transaction. Documents are written as
// maps so absent fields are never serialized.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/logging"
	"github.com/certen/inbox-discovery/pkg/model"
)

// Subcollection and document names under /{usersCollection}/{uid}.
const (
	identitiesCollection     = "adis"
	pendingActionsCollection = "pendingActions"
	computedStateCollection  = "computedState"
	pendingSummaryDoc        = "pending"
)

// firestoreEmulatorEnv is the only switch the Firestore SDK honors for
// emulator routing.
const firestoreEmulatorEnv = "FIRESTORE_EMULATOR_HOST"

// Options configures the adapter.
type Options struct {
	ProjectID       string
	CredentialsFile string
	EmulatorHost    string
	UsersCollection string
	Logger          *slog.Logger
}

// Client wraps a Firestore client with the inbox schema.
type Client struct {
	fs    *firestore.Client
	users string
	log   *slog.Logger
}

// New connects to Firestore through the Firebase Admin SDK. When no
// credentials file is configured the ambient identity is used. A configured
// emulator host is exported for the SDK before the client is built.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("firestore project ID is required")
	}
	applyEmulatorHost(opts.EmulatorHost)

	var appOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		appOpts = append(appOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: opts.ProjectID}, appOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firestore client: %w", err)
	}

	users := opts.UsersCollection
	if users == "" {
		users = "users"
	}
	return &Client{
		fs:    fs,
		users: users,
		log:   logging.Component(opts.Logger, "store"),
	}, nil
}

// Close releases the underlying Firestore client.
func (c *Client) Close() error {
	return c.fs.Close()
}

// applyEmulatorHost exports the emulator address; the SDK only reads the
// ambient environment variable.
func applyEmulatorHost(host string) {
	if host != "" {
		os.Setenv(firestoreEmulatorEnv, host)
	}
}

// =============================================================================
// READS
// =============================================================================

// userDoc mirrors the stored user document.
type userDoc struct {
	Email              string `firestore:"email"`
	DisplayName        string `firestore:"displayName"`
	DefaultIdentity    string `firestore:"defaultIdentity"`
	OnboardingComplete bool   `firestore:"onboardingComplete"`
	KeyVaultSetup      bool   `firestore:"keyVaultSetup"`
}

// identityDoc mirrors one document of the adis subcollection.
type identityDoc struct {
	IdentityURL   string       `firestore:"identityUrl"`
	KeyBooks      []keyBookDoc `firestore:"keyBooks"`
	Accounts      []accountDoc `firestore:"accounts"`
	CreditBalance int64        `firestore:"creditBalance"`
}

type keyBookDoc struct {
	URL      string       `firestore:"url"`
	KeyPages []keyPageDoc `firestore:"keyPages"`
}

type keyPageDoc struct {
	URL           string        `firestore:"url"`
	Version       int           `firestore:"version"`
	Threshold     int           `firestore:"threshold"`
	CreditBalance int64         `firestore:"creditBalance"`
	Entries       []keyEntryDoc `firestore:"entries"`
}

type keyEntryDoc struct {
	Kind          string `firestore:"kind"`
	PublicKeyHash string `firestore:"publicKeyHash"`
	DelegateURL   string `firestore:"delegateUrl"`
	KeyType       string `firestore:"keyType"`
}

type accountDoc struct {
	URL  string `firestore:"url"`
	Type string `firestore:"type"`
}

// ListUsersWithIdentities returns every user with both onboarding gates set,
// each populated with all their stored identities.
func (c *Client) ListUsersWithIdentities(ctx context.Context) ([]model.User, error) {
	iter := c.fs.Collection(c.users).
		Where("onboardingComplete", "==", true).
		Where("keyVaultSetup", "==", true).
		Documents(ctx)
	defer iter.Stop()

	var users []model.User
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}

		var raw userDoc
		if err := snap.DataTo(&raw); err != nil {
			c.log.Warn("skipping malformed user document", "uid", snap.Ref.ID, "error", err)
			continue
		}
		user := model.User{
			UID:                snap.Ref.ID,
			Email:              raw.Email,
			DisplayName:        raw.DisplayName,
			DefaultIdentity:    canon.NormalizeURL(raw.DefaultIdentity),
			OnboardingComplete: raw.OnboardingComplete,
			KeyVaultSetup:      raw.KeyVaultSetup,
		}

		identities, err := c.listIdentities(ctx, snap.Ref.ID)
		if err != nil {
			return nil, err
		}
		user.Identities = identities
		users = append(users, user)
	}
	return users, nil
}

func (c *Client) listIdentities(ctx context.Context, uid string) ([]model.Identity, error) {
	iter := c.userRef(uid).Collection(identitiesCollection).Documents(ctx)
	defer iter.Stop()

	var out []model.Identity
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list identities for %s: %w", uid, err)
		}

		var raw identityDoc
		if err := snap.DataTo(&raw); err != nil {
			c.log.Warn("skipping malformed identity document", "uid", uid, "doc", snap.Ref.ID, "error", err)
			continue
		}
		out = append(out, toModelIdentity(raw))
	}
	return out, nil
}

func toModelIdentity(raw identityDoc) model.Identity {
	identity := model.Identity{
		IdentityURL:   canon.NormalizeURL(raw.IdentityURL),
		CreditBalance: raw.CreditBalance,
	}
	for _, b := range raw.KeyBooks {
		book := model.KeyBook{URL: canon.NormalizeURL(b.URL)}
		for _, p := range b.KeyPages {
			page := model.KeyPage{
				URL:           canon.NormalizeURL(p.URL),
				Version:       p.Version,
				Threshold:     p.Threshold,
				CreditBalance: p.CreditBalance,
			}
			for _, e := range p.Entries {
				page.Entries = append(page.Entries, model.KeyEntry{
					Kind:          model.EntryKind(e.Kind),
					PublicKeyHash: canon.NormalizeHash(e.PublicKeyHash),
					DelegateURL:   canon.NormalizeURL(e.DelegateURL),
					KeyType:       e.KeyType,
				})
			}
			book.KeyPages = append(book.KeyPages, page)
		}
		identity.KeyBooks = append(identity.KeyBooks, book)
	}
	for _, a := range raw.Accounts {
		identity.Accounts = append(identity.Accounts, model.AccountStub{
			URL:  canon.NormalizeURL(a.URL),
			Type: a.Type,
		})
	}
	return identity
}

// GetInbox returns the document IDs currently present in the user's
// pendingActions subcollection.
func (c *Client) GetInbox(ctx context.Context, uid string) ([]string, error) {
	iter := c.userRef(uid).Collection(pendingActionsCollection).Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read inbox for %s: %w", uid, err)
		}
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// GetSummary returns the user's computed pending summary, or nil when none
// has been written yet.
func (c *Client) GetSummary(ctx context.Context, uid string) (map[string]interface{}, error) {
	snap, err := c.userRef(uid).Collection(computedStateCollection).Doc(pendingSummaryDoc).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary for %s: %w", uid, err)
	}
	return snap.Data(), nil
}

// =============================================================================
// WRITES
// =============================================================================

// ApplyInboxDiff commits the per-user inbox update atomically: removals,
// merge-upserts keyed by normalized tx hash, the computed summary, and any
// refreshed identity snapshots. Either everything lands or nothing does.
func (c *Client) ApplyInboxDiff(
	ctx context.Context,
	uid string,
	upserts map[string]map[string]interface{},
	removeIDs []string,
	summary map[string]interface{},
	identitySnapshots map[string]map[string]interface{},
) error {
	user := c.userRef(uid)
	err := c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range removeIDs {
			if err := tx.Delete(user.Collection(pendingActionsCollection).Doc(id)); err != nil {
				return err
			}
		}
		for id, doc := range upserts {
			if err := tx.Set(user.Collection(pendingActionsCollection).Doc(id), doc, firestore.MergeAll); err != nil {
				return err
			}
		}
		if summary != nil {
			ref := user.Collection(computedStateCollection).Doc(pendingSummaryDoc)
			if err := tx.Set(ref, summary, firestore.MergeAll); err != nil {
				return err
			}
		}
		for docID, snapshot := range identitySnapshots {
			if err := tx.Set(user.Collection(identitiesCollection).Doc(docID), snapshot, firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply inbox diff for %s: %w", uid, err)
	}
	c.log.Debug("inbox diff committed",
		"uid", uid, "upserts", len(upserts), "removals", len(removeIDs))
	return nil
}

// IdentityDocID derives a Firestore-safe document ID from an identity URL.
func IdentityDocID(identityURL string) string {
	id := strings.TrimPrefix(canon.NormalizeURL(identityURL), "acc://")
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, ".", "_")
}

func (c *Client) userRef(uid string) *firestore.DocumentRef {
	return c.fs.Collection(c.users).Doc(uid)
}
