package resolver

import (
	"context"
	"fmt"

	"go.pdpstore.dev/synapse/chain"
	"go.uber.org/zap"
)

// A Phase is a state of context resolution.
type Phase uint8

// Resolution phases. Bound is terminal.
const (
	PhaseUnresolved Phase = iota
	PhaseReusing
	PhaseCreating
	PhaseBound
)

func (p Phase) String() string {
	switch p {
	case PhaseUnresolved:
		return "unresolved"
	case PhaseReusing:
		return "reusing"
	case PhaseCreating:
		return "creating"
	case PhaseBound:
		return "bound"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// An Outcome records how a Binding's data set was obtained.
type Outcome uint8

// Binding outcomes. Conflict means creation reported an existing data set
// that was then resolved.
const (
	OutcomeReused Outcome = iota + 1
	OutcomeCreated
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReused:
		return "reused"
	case OutcomeCreated:
		return "created"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// A Binding is a resolved (provider, data set) pair. It is immutable.
type Binding struct {
	Provider        chain.Provider
	Offering        chain.PDPOffering
	Endpoint        string
	DataSetID       uint64
	ClientDataSetID uint64
	Metadata        map[string]string
	Outcome         Outcome
	// TxHash is the creation transaction when Outcome is OutcomeCreated.
	TxHash string
}

func (sel Selection) bind(outcome Outcome) Binding {
	return Binding{
		Provider:        sel.Provider,
		Offering:        sel.Offering,
		Endpoint:        sel.Endpoint,
		DataSetID:       sel.DataSetID,
		ClientDataSetID: sel.ClientDataSetID,
		Metadata:        sel.Metadata,
		Outcome:         outcome,
	}
}

// Create creates the data set of a selection that is not existing.
func (r *Resolver) Create(ctx context.Context, sel Selection) (Binding, error) {
	if sel.IsExisting {
		return sel.bind(OutcomeReused), nil
	}
	caller := r.signer.Address()
	log := r.log.With(zap.Uint64("providerID", sel.Provider.ID), zap.String("endpoint", sel.Endpoint))

	existing, err := r.reader.ClientDataSets(ctx, caller)
	if err != nil {
		return Binding{}, fmt.Errorf("failed to list data sets: %w", err)
	}
	clientDataSetID := uint64(len(existing)) + 1

	extraData, err := r.signer.SignCreateDataSet(ctx, clientDataSetID, sel.Provider.PayeeAddress, chain.SortedMetadata(sel.Metadata))
	if err != nil {
		return Binding{}, fmt.Errorf("failed to sign data set creation: %w", err)
	}
	key := IdempotencyKey("create_dataset", caller, formatUint(sel.Provider.ID), formatUint(clientDataSetID), chain.FormatMetadata(sel.Metadata))

	w := r.writers(sel.Endpoint)
	res, err := w.CreateDataSet(ctx, chain.CreateDataSetRequest{
		RecordKeeper:   r.recordKeeper,
		ExtraData:      extraData,
		IdempotencyKey: key,
	})
	if err != nil {
		return Binding{}, fmt.Errorf("failed to create data set on provider %d: %w", sel.Provider.ID, err)
	}

	switch res.Status {
	case chain.StatusSubmitted:
		log.Info("data set creation submitted", zap.String("txHash", res.TxHash), zap.Uint64("clientDataSetID", clientDataSetID))
		id, err := w.WaitForDataSetCreation(ctx, res.TxHash)
		if err != nil {
			return Binding{}, fmt.Errorf("failed to confirm data set creation %s: %w", res.TxHash, err)
		}
		ds, err := r.reader.DataSet(ctx, id)
		if err != nil {
			return Binding{}, fmt.Errorf("failed to get created data set %d: %w", id, err)
		}
		b := sel.bind(OutcomeCreated)
		b.DataSetID = id
		b.ClientDataSetID = ds.ClientDataSetID
		b.TxHash = res.TxHash
		return b, nil
	case chain.StatusAlreadyExists:
		log.Info("data set already exists", zap.Uint64("existingID", res.ExistingID), zap.String("message", res.Message))
		return r.resolveConflict(ctx, sel, res)
	default:
		return Binding{}, fmt.Errorf("unexpected write status %d", res.Status)
	}
}

// resolveConflict binds to the data set a creation conflicted with. The
// original conflict is returned if it cannot be found.
func (r *Resolver) resolveConflict(ctx context.Context, sel Selection, res chain.WriteResult) (Binding, error) {
	conflict := &chain.AlreadyExistsError{Resource: "data set", ExistingID: res.ExistingID, Message: res.Message}
	caller := r.signer.Address()

	if res.ExistingID != 0 {
		ds, err := r.reader.DataSet(ctx, res.ExistingID)
		if err != nil {
			r.log.Debug("failed to get existing data set", zap.Uint64("dataSetID", res.ExistingID), zap.Error(err))
			return Binding{}, conflict
		} else if !chain.SameAddress(ds.Payer, caller) || ds.ProviderID != sel.Provider.ID {
			return Binding{}, conflict
		}
		metadata, err := r.reader.DataSetMetadata(ctx, ds.ID)
		if err != nil {
			return Binding{}, conflict
		}
		b := sel.bind(OutcomeConflict)
		b.DataSetID = ds.ID
		b.ClientDataSetID = ds.ClientDataSetID
		b.Metadata = metadata
		return b, nil
	}

	dataSets, err := r.reader.ClientDataSets(ctx, caller)
	if err != nil {
		return Binding{}, conflict
	}
	ds, metadata, ok, err := r.findReusable(ctx, dataSets, sel.Provider.ID, sel.Metadata)
	if err != nil || !ok {
		return Binding{}, conflict
	}
	b := sel.bind(OutcomeConflict)
	b.DataSetID = ds.ID
	b.ClientDataSetID = ds.ClientDataSetID
	b.Metadata = metadata
	return b, nil
}

// Bind resolves opts and creates the data set if needed, moving through
// Unresolved, Reusing or Creating, and Bound.
func (r *Resolver) Bind(ctx context.Context, opts Options) (Binding, error) {
	hooks := opts.Hooks
	hooks.phase(PhaseUnresolved)

	sel, err := r.Resolve(ctx, opts)
	if err != nil {
		return Binding{}, err
	}
	if hooks.OnProviderSelected != nil {
		hooks.OnProviderSelected(sel.Provider)
	}

	var b Binding
	if sel.IsExisting {
		hooks.phase(PhaseReusing)
		b = sel.bind(OutcomeReused)
	} else {
		hooks.phase(PhaseCreating)
		if b, err = r.Create(ctx, sel); err != nil {
			return Binding{}, err
		}
	}

	hooks.phase(PhaseBound)
	r.log.Info("resolved data set",
		zap.Uint64("providerID", b.Provider.ID),
		zap.Uint64("dataSetID", b.DataSetID),
		zap.Stringer("outcome", b.Outcome))
	if hooks.OnDataSetResolved != nil {
		hooks.OnDataSetResolved(b)
	}
	return b, nil
}
