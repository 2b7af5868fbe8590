package ai

const DedupePrompt = `
# Task Context
You are a helpful assistant specialized in identifying duplicate entities in a knowledge graph. You will be provided with a list of entities that share a similar name and type.

# Background Data
%s

# Detailed Task Description & Rules
- Decide which of the listed entities describe the same real-world entity.
- Use the name, the type and the description. Entities with the same name but clearly different descriptions (e.g., two different people called "JOHN SMITH") must stay separate.
- Be careful: entities with distinct identities should remain separate (e.g., "EWE", "EWE AG", "EWE TEL" are separate entities).
- Choose a final, canonical name for each group of duplicate entities.
- Reference entities only by their Key (e.g., "E1"). Every key may appear in at most one group.
- Entities that have no duplicate must not be listed.

# Examples
Consider these as duplicates:
- "PARIS" (LOCATION, capital of France) and "PARIS" (LOCATION, city on the Seine)
- "Google LLC" and "Google"

Do NOT consider these as duplicates:
- "PARIS" (LOCATION, capital of France) and "PARIS" (LOCATION, city in Texas)
- "Amazon" and "Amazon Web Services" (different business units)

# Thinking Step by Step
1. First analyze all entities, their types and descriptions
2. Group potential duplicates
3. For each group, determine if they truly represent the same entity
4. Select the most appropriate canonical name
5. Format the results according to the specified JSON structure

# Output Formatting
Return a JSON object with this structure:
{
  "duplicates": [
    {
      "canonicalName": "<chosen final name>",
      "entities": ["E1", "E3"]
    }
  ]
}
`

const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from the provided text. The process must capture **all details explicitly present in the text**, without omission.

# Background Data
- **Entity_types:** [%s]
- **Document_name:** [%s]

The document name may contain hints about the primary entity. Use it only if the text itself does not clearly specify an entity.

# Detailed Task Description & Rules
- If the text includes relevant information that cannot be confidently assigned to a specific entity, extract it as a FACT entity with a name in the format "FACT: <SHORT TITLE>" (all-caps) and describe the full information in the description.
- If the text primarily consists of factual or key-value data and does not explicitly name multiple entities, infer a single implicit entity representing the main subject.
- Extract at most %d relationships.

## Entity Extraction
1. Identify all entities of the specified types.
2. For each entity, extract:
   - **entity_name:** The name of the entity, written in **ALL CAPITAL LETTERS**.
   - **entity_type:** One of the provided types.
   - **entity_description:** A comprehensive description of all attributes, roles, activities, events and timelines explicitly given in the text.
   - **entity_attributes:** A JSON object (as text) with key-value facts such as dates, amounts or identifiers. Use "{}" if there are none.

## Relationship Extraction
1. From the identified entities, determine all clear relationships between pairs of entities.
2. For each relationship, extract:
   - **source_entity:** name of the source entity.
   - **relationship_predicate:** a short verb phrase in lower case (e.g., "works for", "located in").
   - **target_entity:** name of the target entity.
   - **relationship_description:** detailed explanation of how and why the entities are related, based strictly on the text.
   - **relationship_strength:** a numeric score (0.0-1.0) indicating the strength of the relationship.
3. If the text only describes a single implicit entity, return an **empty array** for "relationships".

# Example
**Entity_types:** ORGANIZATION, PERSON
**Text:**
The Verdantis Central Institution will release its policy decision on Thursday, followed by a press conference where Chair Martin Smith will take questions.

**Output:**
{
  "entities": [
    {
      "entity_name": "VERDANTIS CENTRAL INSTITUTION",
      "entity_type": "ORGANIZATION",
      "entity_description": "The Verdantis Central Institution releases a policy decision on Thursday and hosts a press conference afterwards.",
      "entity_attributes": "{}"
    },
    {
      "entity_name": "MARTIN SMITH",
      "entity_type": "PERSON",
      "entity_description": "Martin Smith is the Chair of the Verdantis Central Institution and answers questions at the press conference.",
      "entity_attributes": "{\"role\": \"Chair\"}"
    }
  ],
  "relationships": [
    {
      "source_entity": "MARTIN SMITH",
      "relationship_predicate": "chairs",
      "target_entity": "VERDANTIS CENTRAL INSTITUTION",
      "relationship_description": "Martin Smith serves as the Chair of the Verdantis Central Institution.",
      "relationship_strength": 0.9
    }
  ]
}

# Output Formatting
The output must be a single valid JSON object with the keys "entities" and "relationships".
Do not include any commentary, explanations, or text outside of the JSON.
Always return valid JSON, even if no entities or relationships are found (use empty arrays in that case).
`

const DescPrompt = `
# Task Context
You are a highly detail-oriented assistant responsible for creating a complete and comprehensive summary based only on the information provided below.

# Background Data
-- Data --
entity_name: %s
entity_descriptions:
%s

# Detailed Task Description & Rules
- The input consists of multiple descriptive segments related to the same entity.
- Merge them into one unified description that includes every relevant detail, without omitting anything important.
- If the descriptions contain overlapping information, merge them into a single coherent narrative.
- If there are contradictions, include both versions clearly.
- Use third person at all times and explicitly include entity names to preserve full context.
- The description must be short and compact: at most 100 words.
- Only use the information given in the segments. Do not infer, assume, or add external knowledge.

# Output Formatting
- Return plain text only. Do not use markdown, lists, bullet points, or meta-comments.
- Output only the final comprehensive description.
`

const CommunityReportPrompt = `
# Task Context
You are an analyst writing a report about one community of a knowledge graph. A community is a group of closely connected entities.

# Background Data
-- Entities --
%s

-- Relationships --
%s

# Detailed Task Description & Rules
- **name:** a short, specific title naming the most representative entities of the community.
- **summary:** an executive summary of the community's structure, how the entities relate and the significant information associated with them.
- **findings:** 3 to 8 key insights about the community, each one or two sentences, grounded in the data above.
- **rating:** a float between 1 and 10 describing the impact or importance of the community (1 = trivial, 10 = critical).
- **rating_explanation:** a single sentence explaining the rating.
- Only use the information given. Do not invent entities or relationships.

# Output Formatting
Return a single JSON object:
{
  "name": "string",
  "summary": "string",
  "findings": ["string"],
  "rating": 5.0,
  "rating_explanation": "string"
}
Do not include any text outside of the JSON.
`
