// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lore defines the extraction categories and the research package
// for the game-world domain. The jsonschema tags drive both the LLM's
// structured-output contract and response validation.
package lore

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/schema"
)

// Category keys used in checkpoints and packages.
const (
	CategoryZone           = "zone_overview"
	CategoryNPCs           = "npcs"
	CategoryFactions       = "factions"
	CategoryLore           = "lore"
	CategoryItems          = "narrative_items"
	CategoryCrossReference = "cross_reference"
)

// CategoryKeys lists the extraction categories in canonical order,
// cross-reference excluded.
var CategoryKeys = []string{CategoryZone, CategoryNPCs, CategoryFactions, CategoryLore, CategoryItems}

// ZoneOverview describes the zone itself.
type ZoneOverview struct {
	Name       string   `json:"name" jsonschema:"required,description=Canonical zone name"`
	Region     string   `json:"region,omitempty" jsonschema:"description=Region or continent the zone belongs to"`
	Era        string   `json:"era,omitempty" jsonschema:"description=Historical era or expansion the zone is tied to"`
	Summary    string   `json:"summary" jsonschema:"required,description=Two to four sentence overview of the zone"`
	Themes     []string `json:"themes,omitempty" jsonschema:"description=Dominant narrative themes"`
	Confidence float64  `json:"confidence" jsonschema:"required,description=Extraction confidence between 0 and 1"`
}

// NPC is one named character.
type NPC struct {
	Name        string `json:"name" jsonschema:"required,description=Character name"`
	Role        string `json:"role,omitempty" jsonschema:"description=Role in the zone (quest giver, antagonist, vendor...)"`
	Faction     string `json:"faction,omitempty" jsonschema:"description=Faction the character belongs to"`
	Description string `json:"description,omitempty" jsonschema:"description=One or two sentences about the character"`
}

// NPCCategory groups the zone's characters.
type NPCCategory struct {
	NPCs       []NPC   `json:"npcs" jsonschema:"required,description=Named characters found in the zone"`
	Confidence float64 `json:"confidence" jsonschema:"required,description=Extraction confidence between 0 and 1"`
}

// Faction is one organization or power group.
type Faction struct {
	Name        string   `json:"name" jsonschema:"required,description=Faction name"`
	Alignment   string   `json:"alignment,omitempty" jsonschema:"description=Moral or political alignment"`
	Goals       string   `json:"goals,omitempty" jsonschema:"description=What the faction wants"`
	Rivals      []string `json:"rivals,omitempty" jsonschema:"description=Opposing factions"`
	Description string   `json:"description,omitempty" jsonschema:"description=One or two sentences about the faction"`
}

// FactionCategory groups the zone's factions.
type FactionCategory struct {
	Factions   []Faction `json:"factions" jsonschema:"required,description=Factions active in the zone"`
	Confidence float64   `json:"confidence" jsonschema:"required,description=Extraction confidence between 0 and 1"`
}

// LoreEntry is one piece of history or mythology.
type LoreEntry struct {
	Title           string   `json:"title" jsonschema:"required,description=Short title for the lore entry"`
	Period          string   `json:"period,omitempty" jsonschema:"description=When the events took place"`
	Body            string   `json:"body" jsonschema:"required,description=The lore itself in a few sentences"`
	RelatedEntities []string `json:"related_entities,omitempty" jsonschema:"description=NPCs, factions, items, or places the entry references"`
}

// LoreCategory groups the zone's history and mythology.
type LoreCategory struct {
	Entries    []LoreEntry `json:"entries" jsonschema:"required,description=Lore and history entries"`
	Confidence float64     `json:"confidence" jsonschema:"required,description=Extraction confidence between 0 and 1"`
}

// NarrativeItem is one story-relevant object.
type NarrativeItem struct {
	Name         string `json:"name" jsonschema:"required,description=Item name"`
	Kind         string `json:"kind,omitempty" jsonschema:"description=Item kind (artifact, weapon, relic...)"`
	Origin       string `json:"origin,omitempty" jsonschema:"description=Where the item comes from"`
	Significance string `json:"significance,omitempty" jsonschema:"description=Why the item matters to the zone's story"`
}

// ItemCategory groups the zone's narrative items.
type ItemCategory struct {
	Items      []NarrativeItem `json:"items" jsonschema:"required,description=Story-relevant items tied to the zone"`
	Confidence float64         `json:"confidence" jsonschema:"required,description=Extraction confidence between 0 and 1"`
}

// Extraction is the full structured output of the extract_all step.
type Extraction struct {
	ZoneOverview ZoneOverview    `json:"zone_overview" jsonschema:"required"`
	NPCs         NPCCategory     `json:"npcs" jsonschema:"required"`
	Factions     FactionCategory `json:"factions" jsonschema:"required"`
	Lore         LoreCategory    `json:"lore" jsonschema:"required"`
	Items        ItemCategory    `json:"narrative_items" jsonschema:"required"`
}

// Conflict is one dangling reference found by the cross-reference check.
type Conflict struct {
	Category string `json:"category" jsonschema:"required,description=Category containing the dangling reference"`
	Entity   string `json:"entity" jsonschema:"required,description=The referenced entity that could not be found"`
	Detail   string `json:"detail,omitempty" jsonschema:"description=What the reference implied"`
}

// CrossReference is the structured output of the cross_reference step.
type CrossReference struct {
	IsConsistent bool       `json:"is_consistent" jsonschema:"required,description=Whether all cross-category references hold up"`
	Conflicts    []Conflict `json:"conflicts" jsonschema:"description=Dangling references found"`

	// Adjustments maps category keys to proposed confidences, applied
	// only downward.
	Adjustments map[string]float64 `json:"adjustments,omitempty" jsonschema:"description=Proposed per-category confidence adjustments between 0 and 1"`
}

// ZoneDiscovery is the structured output of discover_connected_zones.
type ZoneDiscovery struct {
	Zones []string `json:"zones" jsonschema:"required,description=Names of zones directly connected to this one"`
}

// ResearchFindings is the structured tail of a research step run.
type ResearchFindings struct {
	Summary string   `json:"summary" jsonschema:"required,description=Compact summary of the findings"`
	Content []string `json:"content" jsonschema:"required,description=Text blocks worth keeping for extraction"`
	Sources []struct {
		URI  string `json:"uri" jsonschema:"required"`
		Tier string `json:"tier" jsonschema:"required,enum=official,enum=primary,enum=tertiary"`
	} `json:"sources" jsonschema:"description=Sources used, with tier classification"`
}

// Reflected schemas, built once at init.
var (
	ExtractionSchema     = schema.MustReflect[Extraction]("zone_extraction")
	CrossReferenceSchema = schema.MustReflect[CrossReference]("cross_reference")
	ZoneDiscoverySchema  = schema.MustReflect[ZoneDiscovery]("zone_discovery")
	ResearchSchema       = schema.MustReflect[ResearchFindings]("research_findings")
)

// Package is the final output document.
type Package struct {
	JobID       string    `json:"job_id"`
	Zone        string    `json:"zone"`
	GeneratedAt time.Time `json:"generated_at"`

	Extraction     Extraction     `json:"extraction"`
	CrossReference CrossReference `json:"cross_reference"`

	SourcesByTier        map[string][]string    `json:"sources_by_tier"`
	ConfidenceByCategory map[string]float64     `json:"confidence_by_category"`
	Errors               []checkpoint.StepError `json:"errors,omitempty"`
}

// DecodeExtraction converts a generic extraction map (as persisted in the
// checkpoint) into typed categories.
func DecodeExtraction(raw map[string]any) (Extraction, error) {
	var out Extraction
	err := decode(raw, &out)
	return out, err
}

// DecodeCrossReference converts a generic cross-reference map into its
// typed form.
func DecodeCrossReference(raw map[string]any) (CrossReference, error) {
	var out CrossReference
	err := decode(raw, &out)
	return out, err
}

func decode(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
