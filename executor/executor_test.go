package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

const testSchema = `
schema {
	query: Object
	mutation: Mutation
}

interface Pet {
	nickname: String
}

type Dog implements Pet {
	nickname: String
	barkVolume: Int
}

type Cat implements Pet {
	nickname: String
	meowVolume: Int
}

type Object {
	intOne: Int
	intTwo: Int
	stringFoo: String
	asyncString: String
	pet: Pet
	object: Object
	nonNullIntListWithNull: [Int!]
	objectsWithError: [Object]
	intOneOrError: Int
	error: Int
	nonNullError: Int!
	badResolveValue: Int
	intListWithBadResolveValue: [Int]
}

type Mutation {
	asyncString: String
	changeTheNumber(newNumber: Int!): ChangeTheNumberResult
}

type ChangeTheNumberResult {
	theNumber: Int!
}
`

type dog struct{}
type cat struct{}

type object struct {
	Error error
}

var stringPromises []ResolvePromise

var theNumber int64

func constantResolver(v interface{}) Resolver {
	return func(*FieldContext) (interface{}, error) {
		return v, nil
	}
}

func testResolvers() ResolverTable {
	return ResolverTable{
		"Object": {
			"intOne":    constantResolver(1),
			"intTwo":    constantResolver(2),
			"stringFoo": constantResolver("foo"),
			"asyncString": func(*FieldContext) (interface{}, error) {
				ch := make(ResolvePromise, 1)
				stringPromises = append(stringPromises, ch)
				return ch, nil
			},
			"pet": constantResolver(dog{}),
			"object": func(*FieldContext) (interface{}, error) {
				return &object{}, nil
			},
			"nonNullIntListWithNull": constantResolver([]interface{}{1, nil, 3}),
			"objectsWithError": func(*FieldContext) (interface{}, error) {
				return []*object{{}, {Error: fmt.Errorf("error")}, {}}, nil
			},
			"intOneOrError": func(ctx *FieldContext) (interface{}, error) {
				if err := ctx.Object.(*object).Error; err != nil {
					return nil, err
				}
				return 1, nil
			},
			"error": func(*FieldContext) (interface{}, error) {
				return nil, fmt.Errorf("error")
			},
			"nonNullError": func(*FieldContext) (interface{}, error) {
				return nil, fmt.Errorf("error")
			},
			"badResolveValue":            constantResolver(&struct{}{}),
			"intListWithBadResolveValue": constantResolver([]interface{}{1, &struct{}{}, 3}),
		},
		"Dog": {
			"nickname":   constantResolver("fido"),
			"barkVolume": constantResolver(10),
		},
		"Cat": {
			"nickname":   constantResolver("fluffy"),
			"meowVolume": constantResolver(10),
		},
		"Mutation": {
			"asyncString": func(*FieldContext) (interface{}, error) {
				ch := make(ResolvePromise, 1)
				stringPromises = append(stringPromises, ch)
				return ch, nil
			},
			"changeTheNumber": func(ctx *FieldContext) (interface{}, error) {
				if v := reflect.ValueOf(ctx.Arguments["newNumber"]); v.CanInt() {
				theNumber = v.Int()
			} else {
				theNumber = int64(v.Float())
			}
				return struct{}{}, nil
			},
		},
		"ChangeTheNumberResult": {
			"theNumber": func(*FieldContext) (interface{}, error) {
				return theNumber, nil
			},
		},
	}
}

var testTypeResolvers = map[string]func(interface{}) string{
	"Pet": func(v interface{}) string {
		switch v.(type) {
		case dog:
			return "Dog"
		case cat:
			return "Cat"
		}
		return ""
	},
}

func TestExecuteRequest(t *testing.T) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: testSchema})
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		Document             string
		ExpectedData         string
		ExpectedErrorPaths   []ast.Path
		ExpectedIdlePromises []int
		VariableValues       map[string]interface{}
	}{
		"Query": {
			Document:     `{intOne stringFoo object {intOne}}`,
			ExpectedData: `{"intOne":1,"stringFoo":"foo","object":{"intOne":1}}`,
		},
		"SkipTrue": {
			Document:     `{intOne @skip(if: true)}`,
			ExpectedData: `{}`,
		},
		"SkipFalse": {
			Document:     `{intOne @skip(if: false)}`,
			ExpectedData: `{"intOne":1}`,
		},
		"IncludeTrue": {
			Document:     `{intOne @include(if: true)}`,
			ExpectedData: `{"intOne":1}`,
		},
		"IncludeFalse": {
			Document:     `{intOne @include(if: false)}`,
			ExpectedData: `{}`,
		},
		"BadResolveValue": {
			Document:     `{intOne badResolveValue}`,
			ExpectedData: `{"intOne":1,"badResolveValue":null}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("badResolveValue")},
			},
		},
		"IntListWithBadResolveValue": {
			Document:     `{intOne l:intListWithBadResolveValue}`,
			ExpectedData: `{"intOne":1,"l":[1,null,3]}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("l"), ast.PathIndex(1)},
			},
		},
		"InlineFragmentCollection": {
			Document:     `{...{intOne} ...{intOne}}`,
			ExpectedData: `{"intOne":1}`,
		},
		"FragmentCollection": {
			Document:     `{object{intOne} ...Frag} fragment Frag on Object {object{stringFoo} intTwo}`,
			ExpectedData: `{"object":{"intOne":1,"stringFoo":"foo"},"intTwo":2}`,
		},
		"AsyncQuery": {
			Document:             `{a:asyncString b:asyncString}`,
			ExpectedData:         `{"a":"s","b":"s"}`,
			ExpectedIdlePromises: []int{2},
		},
		"AsyncQueryNested": {
			Document:             `{a:asyncString object{b:asyncString}}`,
			ExpectedData:         `{"a":"s","object":{"b":"s"}}`,
			ExpectedIdlePromises: []int{2},
		},
		"AsyncMutation": {
			Document:             `mutation {a:asyncString b:asyncString}`,
			ExpectedData:         `{"a":"s","b":"s"}`,
			ExpectedIdlePromises: []int{1, 1},
		},
		"Mutation": {
			Document:     `mutation {changeTheNumber(newNumber: 1) {theNumber}}`,
			ExpectedData: `{"changeTheNumber":{"theNumber":1}}`,
		},
		"SerialMutation": {
			Document: `mutation {
				first: changeTheNumber(newNumber: 1) {theNumber}
				second: changeTheNumber(newNumber: 3) {theNumber}
				third: changeTheNumber(newNumber: 2) {theNumber}
			}`,
			ExpectedData: `{"first":{"theNumber":1},"second":{"theNumber":3},"third":{"theNumber":2}}`,
		},
		"Variable": {
			Document:     `mutation ($n: Int!) {changeTheNumber(newNumber: $n) {theNumber}}`,
			ExpectedData: `{"changeTheNumber":{"theNumber":1}}`,
			VariableValues: map[string]interface{}{
				"n": 1,
			},
		},
		"VariableDefault": {
			Document:     `mutation ($n: Int! = 1) {changeTheNumber(newNumber: $n) {theNumber}}`,
			ExpectedData: `{"changeTheNumber":{"theNumber":1}}`,
		},
		"ObjectFragmentSpread": {
			Document:     `{pet{... on Cat{meowVolume} ... on Dog{barkVolume}}}`,
			ExpectedData: `{"pet":{"barkVolume":10}}`,
		},
		"InterfaceFragmentSpread": {
			Document:     `{pet{... on Pet{nickname}}}`,
			ExpectedData: `{"pet":{"nickname":"fido"}}`,
		},
		"InterfaceTypename": {
			Document:     `{pet{__typename}}`,
			ExpectedData: `{"pet":{"__typename":"Dog"}}`,
		},
		"Error": {
			Document:     `{error error}`,
			ExpectedData: `{"error":null}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("error")},
			},
		},
		"PropagatedError": {
			Document:     `{object{nonNullError}}`,
			ExpectedData: `{"object":null}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("object"), ast.PathName("nonNullError")},
			},
		},
		"ListError": {
			Document:     `{object{object{object{object{objs:objectsWithError{n:intOneOrError}}}}}}`,
			ExpectedData: `{"object":{"object":{"object":{"object":{"objs":[{"n":1},{"n":null},{"n":1}]}}}}}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("object"), ast.PathName("object"), ast.PathName("object"), ast.PathName("object"), ast.PathName("objs"), ast.PathIndex(1), ast.PathName("n")},
			},
		},
		"NonNullIntListWithNull": {
			Document:     `{l:nonNullIntListWithNull}`,
			ExpectedData: `{"l":null}`,
			ExpectedErrorPaths: []ast.Path{
				{ast.PathName("l"), ast.PathIndex(1)},
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			doc, docErrs := gqlparser.LoadQuery(schema, tc.Document)
			require.Empty(t, docErrs)
			data, errs := ExecuteRequest(context.Background(), &Request{
				Document:       doc,
				Schema:         schema,
				Resolvers:      testResolvers(),
				TypeResolvers:  testTypeResolvers,
				VariableValues: tc.VariableValues,
				IdleHandler: func() {
					require.NotEmpty(t, tc.ExpectedIdlePromises)
					assert.Len(t, stringPromises, tc.ExpectedIdlePromises[len(tc.ExpectedIdlePromises)-1])
					for _, p := range stringPromises {
						p <- ResolveResult{
							Value: "s",
						}
					}
					stringPromises = nil
					tc.ExpectedIdlePromises = tc.ExpectedIdlePromises[:len(tc.ExpectedIdlePromises)-1]
				},
			})
			serializedData, err := json.Marshal(data)
			require.NoError(t, err)
			assert.Equal(t, tc.ExpectedData, string(serializedData))

			if len(tc.ExpectedErrorPaths) == 0 {
				assert.Empty(t, errs)
			} else {
				assert.Len(t, errs, len(tc.ExpectedErrorPaths))
				for _, expected := range tc.ExpectedErrorPaths {
					matched := false
					for _, actual := range errs {
						if reflect.DeepEqual(actual.Path, expected) {
							assert.NotEmpty(t, actual.Locations)
							matched = true
							break
						}
					}
					assert.True(t, matched, "couldn't find %v in %v", expected, errs)
				}
			}
		})
	}
}

func TestGetOperation(t *testing.T) {
	doc, err := parser.ParseQuery(&ast.Source{Input: `{x} {x} query q {x} mutation m {x} mutation m {x}`})
	require.NoError(t, err)

	_, opErr := GetOperation(doc, "")
	assert.NotNil(t, opErr)

	op, opErr := GetOperation(doc, "m")
	assert.Nil(t, op)
	assert.NotNil(t, opErr)

	op, opErr = GetOperation(doc, "q")
	assert.NotNil(t, op)
	assert.Nil(t, opErr)

	doc, err = parser.ParseQuery(&ast.Source{Input: `query q {x}`})
	require.NoError(t, err)

	op, opErr = GetOperation(doc, "")
	assert.Nil(t, op)
	assert.NotNil(t, opErr)

	op, opErr = GetOperation(doc, "q")
	assert.NotNil(t, op)
	assert.Nil(t, opErr)
}

func TestExecuteRequest_NoIdleHandler(t *testing.T) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: testSchema})
	require.NoError(t, err)

	doc, docErrs := gqlparser.LoadQuery(schema, `{asyncString}`)
	require.Empty(t, docErrs)

	stringPromises = nil
	data, errs := ExecuteRequest(context.Background(), &Request{
		Document:  doc,
		Schema:    schema,
		Resolvers: testResolvers(),
	})
	stringPromises = nil
	require.Len(t, errs, 1)
	assert.Equal(t, ast.Path{ast.PathName("asyncString")}, errs[0].Path)

	serialized, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Equal(t, `{"asyncString":null}`, string(serialized))
}

func TestExecuteRequest_ContextCancellation(t *testing.T) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: `
		type Query {
			slowString: String
			objects(count: Int!): [Query]
		}
	`})
	require.NoError(t, err)

	resolvers := ResolverTable{
		"Query": {
			"slowString": func(*FieldContext) (interface{}, error) {
				time.Sleep(100 * time.Millisecond)
				return "foo", nil
			},
			"objects": func(ctx *FieldContext) (interface{}, error) {
				return make([]struct{}, ctx.Arguments["count"].(int64)), nil
			},
		},
	}

	doc, docErrs := gqlparser.LoadQuery(schema, `{
		objects(count: 100) {
			slowString
		}
	}`)
	require.Empty(t, docErrs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	startTime := time.Now()
	_, errs := ExecuteRequest(ctx, &Request{
		Document:  doc,
		Schema:    schema,
		Resolvers: resolvers,
	})
	// The request should be cancelled early.
	assert.Less(t, time.Since(startTime), 2*time.Second)
	assert.NotEmpty(t, errs)
}
