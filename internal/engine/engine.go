package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelican/internal/chess"
	"pelican/internal/mcts"
	"pelican/internal/nn"
	"pelican/internal/tb"
)

// Controller owns the pieces that outlive a single search: the tree, the
// evaluation cache, the network, and the time manager. The UCI layer calls
// it; it creates one mcts.Search per "go".
type Controller struct {
	log  zerolog.Logger
	opts *Options

	bestMoveCallback func(mcts.BestMoveInfo)
	infoCallback     func(mcts.ThinkingInfo)

	mu       sync.Mutex
	cache    *nn.Cache
	network  nn.Network
	syzygy   tb.Tablebase
	tree     *mcts.NodeTree
	search   *mcts.Search
	tm       *TimeManager
	gameID   string
	goParams GoParams

	currentFen   string
	currentMoves []string
	havePosition bool

	loadedModelPath   string
	loadedSyzygyPaths string
}

func NewController(log zerolog.Logger, opts *Options,
	bestMoveCallback func(mcts.BestMoveInfo),
	infoCallback func(mcts.ThinkingInfo)) *Controller {
	return &Controller{
		log:              log,
		opts:             opts,
		bestMoveCallback: bestMoveCallback,
		infoCallback:     infoCallback,
		cache:            nn.NewCache(opts.CacheSize),
		tree:             mcts.NewNodeTree(),
		tm:               &TimeManager{},
		gameID:           uuid.NewString(),
	}
}

// SetTablebase plugs in a probing backend directly, bypassing the
// SyzygyPaths option. Passing nil disables probing.
func (c *Controller) SetTablebase(t tb.Tablebase) {
	c.mu.Lock()
	c.syzygy = t
	c.loadedSyzygyPaths = c.opts.SyzygyPaths
	c.mu.Unlock()
}

// EnsureReady reloads the tablebase and the network if their configured
// paths changed. Without a model path the engine runs on the built-in
// uniform evaluator.
func (c *Controller) EnsureReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureReadyLocked()
}

func (c *Controller) ensureReadyLocked() error {
	if err := c.ensureTablebaseLocked(); err != nil {
		return err
	}
	return c.ensureNetworkLocked()
}

func (c *Controller) ensureTablebaseLocked() error {
	if c.opts.SyzygyPaths == c.loadedSyzygyPaths {
		return nil
	}
	if c.opts.SyzygyPaths == "" {
		c.syzygy = nil
		c.loadedSyzygyPaths = ""
		return nil
	}
	syzygy, err := tb.LoadSyzygy(c.opts.SyzygyPaths)
	if err != nil {
		return fmt.Errorf("engine: load tablebases: %w", err)
	}
	c.log.Info().Str("paths", c.opts.SyzygyPaths).
		Int("max_cardinality", syzygy.MaxCardinality()).
		Msg("loaded tablebases")
	c.syzygy = syzygy
	c.loadedSyzygyPaths = c.opts.SyzygyPaths
	return nil
}

func (c *Controller) ensureNetworkLocked() error {
	c.cache.SetCapacity(c.opts.CacheSize)
	if c.network != nil && c.loadedModelPath == c.opts.ModelPath {
		return nil
	}
	if c.opts.ModelPath == "" {
		c.log.Warn().Msg("no model configured, using uniform evaluator")
		c.network = &nn.StaticNetwork{}
		c.loadedModelPath = ""
		return nil
	}
	path, err := ResolveModelPath(c.opts.ModelPath)
	if err != nil {
		return err
	}
	c.log.Info().Str("model", c.opts.ModelPath).Msg("loading network")
	network, err := nn.LoadOnnxNetwork(path, c.opts.OrtLibPath)
	if err != nil {
		return fmt.Errorf("engine: load network: %w", err)
	}
	c.network = network
	c.loadedModelPath = c.opts.ModelPath
	return nil
}

// NewGame clears per-game state: cache, tree, any running search.
func (c *Controller) NewGame() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
	c.tree.Reset()
	c.search = nil
	c.havePosition = false
	c.gameID = uuid.NewString()
	c.log.Debug().Str("game_id", c.gameID).Msg("new game")
	return c.ensureReadyLocked()
}

// SetPosition records the position to search; the tree is set up lazily at
// "go" so ponder handling can rewind the last move.
func (c *Controller) SetPosition(fen string, moves []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentFen = fen
	c.currentMoves = moves
	c.havePosition = true
}

func (c *Controller) setupPositionLocked(fen string, moveStrs []string) error {
	moves := make([]chess.Move, 0, len(moveStrs))
	for _, s := range moveStrs {
		m, err := chess.ParseMove(s)
		if err != nil {
			return fmt.Errorf("engine: bad move %q: %w", s, err)
		}
		moves = append(moves, m)
	}
	return c.tree.ResetToPosition(fen, moves)
}

// Go starts thinking on the current position.
func (c *Controller) Go(params GoParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goParams = params
	if err := c.ensureReadyLocked(); err != nil {
		return err
	}
	if c.search != nil {
		// The previous search has stopped but its threads may still be
		// joining; the tree must not be touched until they are gone.
		c.search.Abort()
		if err := c.search.Wait(); err != nil {
			c.log.Error().Err(err).Msg("previous search failed")
		}
	}

	infoCallback := c.infoCallback

	fen := c.currentFen
	moves := c.currentMoves
	if !c.havePosition {
		fen = chess.StartposFEN
		moves = nil
	}
	if params.Ponder && len(moves) > 0 {
		// Think about the predicted reply's parent position, but report
		// lines and scores as seen after the ponder move.
		ponderMove := moves[len(moves)-1]
		moves = moves[:len(moves)-1]
		inner := c.infoCallback
		infoCallback = func(info mcts.ThinkingInfo) {
			if len(info.PV) > 0 && info.PV[0].String() == ponderMove {
				info.PV = info.PV[1:]
			} else {
				info.PV = nil
			}
			info.ScoreCp = -info.ScoreCp
			if info.Depth > 1 {
				info.Depth--
			}
			if info.SelDepth > 1 {
				info.SelDepth--
			}
			if inner != nil {
				inner(info)
			}
		}
	}
	if err := c.setupPositionLocked(fen, moves); err != nil {
		return err
	}

	c.tm.SlowMover = c.opts.SlowMover
	c.tm.MoveOverheadMs = int64(c.opts.MoveOverheadMs)
	c.tm.CurveMidpoint = c.opts.TimeCurveMidpoint
	c.tm.CurveSteepness = c.opts.TimeCurveSteepness
	limits := c.tm.Limits(c.tree.GamePly(), c.tree.IsBlackToMove(), params)
	for _, s := range params.SearchMoves {
		m, err := chess.ParseMove(s)
		if err != nil {
			return fmt.Errorf("engine: bad searchmove %q: %w", s, err)
		}
		limits.SearchMoves = append(limits.SearchMoves, m)
	}

	c.search = mcts.NewSearch(c.tree, mcts.SearchConfig{
		Network:           c.network,
		Cache:             c.cache,
		Tablebase:         c.syzygy,
		Limits:            limits,
		Params:            c.opts.SearchParams(),
		Logger:            c.log.With().Str("game_id", c.gameID).Logger(),
		BestMoveCallback:  c.bestMoveCallback,
		InfoCallback:      infoCallback,
		BonusTimeCallback: c.tm.AddBonus,
	})
	c.search.StartThreads(c.opts.Threads)
	return nil
}

// PonderHit converts the running ponder search into a normal one by
// redoing "go" without the ponder flag. The ponder search is aborted, not
// stopped: its best move must stay unreported.
func (c *Controller) PonderHit() error {
	c.Abort()
	c.mu.Lock()
	params := c.goParams
	c.mu.Unlock()
	params.Ponder = false
	return c.Go(params)
}

// Stop halts the current search, letting it report its best move, and
// waits for the threads. Search errors are logged, not returned: there is
// no caller to recover them once the search is asynchronous.
func (c *Controller) Stop() {
	c.mu.Lock()
	search := c.search
	c.mu.Unlock()
	if search == nil {
		return
	}
	search.Stop()
	if err := search.Wait(); err != nil {
		c.log.Error().Err(err).Msg("search failed")
	}
}

// Abort halts the current search without a best-move report.
func (c *Controller) Abort() {
	c.mu.Lock()
	search := c.search
	c.mu.Unlock()
	if search == nil {
		return
	}
	search.Abort()
	if err := search.Wait(); err != nil {
		c.log.Error().Err(err).Msg("search failed")
	}
}

// IsSearchActive reports whether a search is currently thinking.
func (c *Controller) IsSearchActive() bool {
	c.mu.Lock()
	search := c.search
	c.mu.Unlock()
	return search != nil && search.IsSearchActive()
}
