// Package matcher resolves broken record→file links through a tiered
// strategy cascade with confidence scoring.
package matcher

import (
	"sort"
	"strings"

	"github.com/csabourin/do-migration-sub006/internal/inventory"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"go.uber.org/zap"
)

// Strategy identifies the tier that produced a match
type Strategy string

const (
	StrategyExactSameContainer Strategy = "exact_same_container"
	StrategyExactAnyContainer  Strategy = "exact_any_container"
	StrategyCaseInsensitive    Strategy = "case_insensitive"
	StrategyNormalized         Strategy = "normalized"
	StrategyBaseName           Strategy = "base_name"
	StrategySize               Strategy = "size"
	StrategyFuzzy              Strategy = "fuzzy"
)

// Tier confidences. Higher tiers have no acceptance floor because their
// confidence is structurally bounded by construction; only the fuzzy tier is
// gated by minFuzzyConfidence.
const (
	confExactSameContainer = 1.0
	confExactAnyContainer  = 0.95
	confCaseInsensitive    = 0.85
	confNormalized         = 0.75
	confBaseName           = 0.70
	confSize               = 0.60

	// minFuzzyConfidence rejects weak fuzzy candidates instead of silently
	// accepting them
	minFuzzyConfidence = 0.70

	// size-tier candidates must also clear this name similarity
	sizeNameSimilarityFloor = 0.5

	// fuzzy prefilter bounds
	fuzzyMinLengthRatio  = 0.7
	fuzzyMaxLengthRatio  = 1.3
	fuzzyPrefixLen       = 3
	fuzzyMaxPrefixDist   = 2
	fuzzyMaxEditDistance = 5
)

// Result is the outcome of one match attempt
type Result struct {
	Found      bool
	File       *inventory.FileEntry
	Strategy   Strategy
	Confidence float64

	// RejectedCandidate preserves the best fuzzy candidate that fell below
	// the confidence floor, for audit
	RejectedCandidate *inventory.FileEntry
	RejectedScore     float64
}

// Matcher runs the strategy cascade
type Matcher struct {
	originalsFolder string
	logger          *logger.Logger
}

// New creates a matcher. originalsFolder marks the folder name whose files
// outrank all others during tie-breaking.
func New(originalsFolder string, log *logger.Logger) *Matcher {
	return &Matcher{
		originalsFolder: originalsFolder,
		logger:          log.Named("matcher"),
	}
}

// FindFileForRecord runs the tiers in strict order; the first tier with a
// non-empty candidate set wins and candidates are never combined across
// tiers.
func (m *Matcher) FindFileForRecord(rec record.Entry, idx *inventory.Indexes) Result {
	// tier 1: exact filename in the record's own container
	if exact := idx.ByName[rec.Name]; len(exact) > 0 {
		var same []*inventory.FileEntry
		for _, f := range exact {
			if f.ContainerID == rec.ContainerID {
				same = append(same, f)
			}
		}
		if len(same) > 0 {
			return m.accept(rec, same, StrategyExactSameContainer, confExactSameContainer)
		}
		// tier 2: exact filename anywhere
		return m.accept(rec, exact, StrategyExactAnyContainer, confExactAnyContainer)
	}

	// tier 3: case-insensitive filename
	if c := idx.ByLowerName[strings.ToLower(rec.Name)]; len(c) > 0 {
		return m.accept(rec, c, StrategyCaseInsensitive, confCaseInsensitive)
	}

	// tier 4: normalized name
	if c := idx.ByNormalizedName[inventory.NormalizeName(rec.Name)]; len(c) > 0 {
		return m.accept(rec, c, StrategyNormalized, confNormalized)
	}

	// tier 5: base name within the extension family
	if c := idx.ByBaseName[strings.ToLower(inventory.BaseName(rec.Name))]; len(c) > 0 {
		var family []*inventory.FileEntry
		for _, f := range c {
			if sameExtensionFamily(f.Name, rec.Name) {
				family = append(family, f)
			}
		}
		if len(family) > 0 {
			return m.accept(rec, family, StrategyBaseName, confBaseName)
		}
	}

	// tier 6: same byte size, filtered by name similarity
	if rec.Size > 0 {
		if c := idx.BySize[rec.Size]; len(c) > 0 {
			var plausible []*inventory.FileEntry
			for _, f := range c {
				if similarity(strings.ToLower(f.Name), strings.ToLower(rec.Name)) > sizeNameSimilarityFloor {
					plausible = append(plausible, f)
				}
			}
			if len(plausible) > 0 {
				return m.accept(rec, plausible, StrategySize, confSize)
			}
		}
	}

	// tier 7: bounded fuzzy search over the whole inventory
	return m.fuzzy(rec, idx)
}

// accept orders a tier's candidates and returns the winner
func (m *Matcher) accept(rec record.Entry, candidates []*inventory.FileEntry, strategy Strategy, confidence float64) Result {
	best := m.prioritizeFiles(candidates, rec.ContainerID)[0]

	m.logger.Debug("match found",
		zap.String("record", rec.ID),
		zap.String("name", rec.Name),
		zap.String("file", best.Path),
		zap.String("strategy", string(strategy)),
		zap.Float64("confidence", confidence),
	)

	return Result{
		Found:      true,
		File:       best,
		Strategy:   strategy,
		Confidence: confidence,
	}
}

// fuzzy scans candidate names with a cheap prefilter before computing the
// exact edit distance, then ranks survivors by similarity. A best candidate
// below the confidence floor is rejected, not silently accepted.
func (m *Matcher) fuzzy(rec record.Entry, idx *inventory.Indexes) Result {
	target := strings.ToLower(rec.Name)

	type scored struct {
		file  *inventory.FileEntry
		score float64
	}
	var survivors []scored

	// deterministic iteration keeps ties stable across runs
	names := make([]string, 0, len(idx.ByLowerName))
	for name := range idx.ByLowerName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ratio := lengthRatio(name, target)
		if ratio < fuzzyMinLengthRatio || ratio > fuzzyMaxLengthRatio {
			continue
		}
		if prefixDistance(name, target, fuzzyPrefixLen) > fuzzyMaxPrefixDist {
			continue
		}
		if levenshtein(name, target, fuzzyMaxEditDistance) > fuzzyMaxEditDistance {
			continue
		}

		score := similarity(name, target)
		for _, f := range idx.ByLowerName[name] {
			survivors = append(survivors, scored{file: f, score: score})
		}
	}

	if len(survivors) == 0 {
		return Result{Found: false}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].score > survivors[j].score
	})

	best := survivors[0]

	// break score ties with the standard priority ordering
	var top []*inventory.FileEntry
	for _, s := range survivors {
		if s.score == best.score {
			top = append(top, s.file)
		}
	}
	bestFile := m.prioritizeFiles(top, rec.ContainerID)[0]

	if best.score < minFuzzyConfidence {
		m.logger.Debug("fuzzy candidate rejected",
			zap.String("record", rec.ID),
			zap.String("name", rec.Name),
			zap.String("candidate", bestFile.Path),
			zap.Float64("score", best.score),
		)
		return Result{
			Found:             false,
			RejectedCandidate: bestFile,
			RejectedScore:     best.score,
		}
	}

	return Result{
		Found:      true,
		File:       bestFile,
		Strategy:   StrategyFuzzy,
		Confidence: best.score,
	}
}
