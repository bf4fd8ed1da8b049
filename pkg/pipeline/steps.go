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

package pipeline

// DefaultSteps returns the lore research sequence. Alternate domains build
// their own slice; the engine is agnostic to the steps it drives.
func DefaultSteps() []Step {
	return []Step{
		ResearchStep("zone_overview_research", "zone_overview"),
		ResearchStep("npc_research", "npcs"),
		ResearchStep("faction_research", "factions"),
		ResearchStep("lore_research", "lore"),
		ResearchStep("narrative_items_research", "narrative_items"),
		ExtractAllStep(),
		CrossReferenceStep(),
		DiscoverConnectedZonesStep(),
		PackageAndSendStep(),
	}
}
